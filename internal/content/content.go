package content

// Type is the wire tag identifying a content kind.
type Type string

const (
	TypeText     Type = "TEXT"
	TypeImage    Type = "IMAGE"
	TypeVideo    Type = "VIDEO"
	TypeVoice    Type = "VOICE"
	TypeContact  Type = "CONTACT"
	TypeLocation Type = "LOCATION"
	TypeDocument Type = "DOCUMENT"
)

// Content is a single content variant of a chat message.
// Variants are plain structs that round-trip through JSON.
type Content interface {
	ContentType() Type
}

// FileInfo identifies a stored binary payload. Content variants reference
// files by this handle instead of embedding bytes; LocalPath is filled in
// once the payload is cached on disk, RemotePath once it is uploaded.
type FileInfo struct {
	UUID       string `json:"uuid"`
	RemotePath string `json:"remotePath,omitempty"`
	LocalPath  string `json:"localPath,omitempty"`
}

// Text is a plain text message body.
type Text struct {
	Text string `json:"text"`
}

func (Text) ContentType() Type { return TypeText }

// Image references an uploaded or locally staged image.
type Image struct {
	File FileInfo `json:"file"`
}

func (Image) ContentType() Type { return TypeImage }

// Video references an uploaded or locally staged video.
type Video struct {
	File FileInfo `json:"file"`
}

func (Video) ContentType() Type { return TypeVideo }

// Voice references a recorded voice note payload.
type Voice struct {
	File FileInfo `json:"file"`
}

func (Voice) ContentType() Type { return TypeVoice }

// Contact references a vCard payload for a shared contact.
type Contact struct {
	File FileInfo `json:"file"`
	Name string   `json:"name,omitempty"`
}

func (Contact) ContentType() Type { return TypeContact }

// Location is a shared geographic point. No binary payload.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (Location) ContentType() Type { return TypeLocation }

// Document references an arbitrary uploaded file.
type Document struct {
	File FileInfo `json:"file"`
	Name string   `json:"name,omitempty"`
}

func (Document) ContentType() Type { return TypeDocument }
