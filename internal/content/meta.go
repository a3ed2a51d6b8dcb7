package content

// Meta carries side-channel metadata for a message's content: dimensions,
// durations, preview blobs, names and sizes. It is decoupled from the
// content payload so metadata can be updated (e.g. an upload completes)
// without re-fetching content. Replaced wholesale on update, never merged
// field by field.
type Meta struct {
	ContactName  string  `json:"contactName,omitempty"`
	ContactPhone string  `json:"contactPhone,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	// DurationMS is the voice/video duration in milliseconds.
	DurationMS int64 `json:"durationMs,omitempty"`
	// BlurPreview is a base64 low-resolution preview for images and videos.
	BlurPreview string `json:"blurPreview,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	// UploadProgress is local-only state in [0,1]; it is not sent on the wire.
	UploadProgress float64 `json:"uploadProgress,omitempty"`
}
