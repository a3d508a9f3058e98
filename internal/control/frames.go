package control

// Wire frame shapes, matching the WebSocket contract exactly: camelCase
// JSON fields, a literal "type" discriminator, optional fields omitted
// rather than sent null.

type configFrame struct {
	Type             string `json:"type"`
	ChunkSizeMB      int64  `json:"chunkSizeMB"`
	MaxThreads       int    `json:"maxThreads"`
	PresignBatchSize int    `json:"presignBatchSize"`
	WSPort           int    `json:"wsPort"`
}

type progressFrame struct {
	Type             string  `json:"type"`
	UploadID         string  `json:"uploadId"`
	Percent          float64 `json:"percent"`
	Speed            float64 `json:"speed"`
	ETA              float64 `json:"eta"`
	BytesTransferred int64   `json:"bytesTransferred"`
	TotalBytes       int64   `json:"totalBytes"`
	ActiveThreads    int     `json:"activeThreads"`
	CompletedParts   int     `json:"completedParts"`
	TotalParts       int     `json:"totalParts"`
}

type chunkFrame struct {
	Type       string `json:"type"`
	UploadID   string `json:"uploadId"`
	PartNumber int32  `json:"partNumber"`
	Status     string `json:"status"`
	ETag       string `json:"etag,omitempty"`
}

type statusFrame struct {
	Type     string `json:"type"`
	UploadID string `json:"uploadId,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

type errorFrame struct {
	Type     string `json:"type"`
	UploadID string `json:"uploadId,omitempty"`
	Error    string `json:"error"`
	Code     string `json:"code"`
}

// inboundCommand is the shape of every message a client sends.
type inboundCommand struct {
	Action     string `json:"action"`
	FilePath   string `json:"filePath,omitempty"`
	UploadID   string `json:"uploadId,omitempty"`
	BackendURL string `json:"backendUrl,omitempty"`
}
