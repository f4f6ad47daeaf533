package worldgen

type generateRequest struct {
	Model       string         `json:"model"`
	WorldPrompt worldPrompt    `json:"world_prompt"`
	Tags        map[string]any `json:"tags,omitempty"`
}

type worldPrompt struct {
	Type        string       `json:"type"`
	TextPrompt  string       `json:"text_prompt,omitempty"`
	ImagePrompt *imagePrompt `json:"image_prompt,omitempty"`
}

type imagePrompt struct {
	Source     string `json:"source"`
	URI        string `json:"uri,omitempty"`
	DataBase64 string `json:"data_base64,omitempty"`
	MIMEType   string `json:"mime_type,omitempty"`
}

type operationResponse struct {
	OperationID string `json:"operation_id"`
	Done        bool   `json:"done"`
	Error       *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Metadata struct {
		ProgressPercentage float64 `json:"progress_percentage"`
	} `json:"metadata"`
	Response *struct {
		WorldID string `json:"world_id"`
	} `json:"response"`
}

type worldResponse struct {
	WorldID      string `json:"world_id"`
	WorldURL     string `json:"world_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Caption      string `json:"caption"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e errorResponse) message() string {
	if e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}
