package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if PathHealthz != "/healthz" || PathJobs != "/jobs" || PathOutputs != "/outputs" {
		t.Fatalf("paths mismatch: %q, %q, %q", PathHealthz, PathJobs, PathOutputs)
	}
	if DefaultQueueCapacity < 0 || DefaultWorkerCount <= 0 || DefaultListLimit <= 0 {
		t.Fatalf("defaults should not be negative")
	}
	if MimeGLTFBinary != "model/gltf-binary" || MimeVideoMP4 != "video/mp4" || MimeZip != "application/zip" {
		t.Fatalf("mime constants mismatch")
	}
	if CompositeFileName != "animated_mesh.glb" || MeshArchiveName != "meshes.zip" {
		t.Fatalf("artifact names mismatch")
	}
	if JobsDirName == "" || InputDirName == "" || OutputDirName == "" {
		t.Fatalf("dir names should be non-empty")
	}
	if StatusFinished != "finished" || StatusError != "error" {
		t.Fatalf("status constants mismatch")
	}
}
