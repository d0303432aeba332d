package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderContentType = "Content-Type"
	ContentTypeJSON   = "application/json"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathMetrics = "/metrics"
	PathJobs    = "/jobs"
	PathOutputs = "/outputs"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 0 // unbounded
	DefaultWorkerCount   = 1
	DefaultListLimit     = 100
	SQLiteBusyTimeoutMS  = 5000
)

// External tool executables
const (
	FFmpegExecutable = "ffmpeg"
)

// Artifact names written by the mesh generator
const (
	MeshFilePrefix    = "mesh_"
	MeshFileExt       = ".glb"
	CompositeFileName = "animated_mesh.glb"
	MeshArchiveName   = "meshes.zip"
	FramePattern      = "%03d.png"
	FrameExt          = ".png"
)

// MIME types
const (
	MimeGLTFBinary  = "model/gltf-binary"
	MimeVideoMP4    = "video/mp4"
	MimeZip         = "application/zip"
	MimeOctetStream = "application/octet-stream"
)

// Subdirectory names
const (
	JobsDirName   = "jobs"
	InputDirName  = "input"
	OutputDirName = "output"
)

// Callback status strings
const (
	StatusFinished = "finished"
	StatusError    = "error"
)
