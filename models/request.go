package models

import "encoding/json"

// RequestBody is the generic inference request. Only the fields the proxy
// cares about are typed; everything else rides along in Extras and is
// forwarded to the backend untouched.
type RequestBody struct {
	Model     string                 `json:"model"`
	KeepAlive *int                   `json:"keep_alive,omitempty"`
	Stream    *bool                  `json:"stream,omitempty"`
	Extras    map[string]interface{} `json:"-"`
}

func (r *RequestBody) UnmarshalJSON(data []byte) error {
	type alias RequestBody
	aux := &struct {
		*alias
	}{
		alias: (*alias)(r),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	extras := make(map[string]interface{})
	if err := json.Unmarshal(data, &extras); err != nil {
		return err
	}
	delete(extras, "model")
	delete(extras, "keep_alive")
	delete(extras, "stream")

	r.Extras = extras
	return nil
}

// Merged flattens the typed fields back into one map for re-serialization.
func (r *RequestBody) Merged() map[string]interface{} {
	merged := make(map[string]interface{}, len(r.Extras)+3)
	for k, v := range r.Extras {
		merged[k] = v
	}
	merged["model"] = r.Model
	if r.KeepAlive != nil {
		merged["keep_alive"] = *r.KeepAlive
	}
	if r.Stream != nil {
		merged["stream"] = *r.Stream
	}
	return merged
}

// WSMessage is a client command on the reservation channel.
type WSMessage struct {
	Command    string   `json:"command"`
	ModelName  string   `json:"modelName,omitempty"`
	OutputType string   `json:"outputType,omitempty"`
	GpuIds     []string `json:"gpuIds,omitempty"`
}

// WSResponse is the server's reply on the reservation channel.
type WSResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Host    string   `json:"host,omitempty"`
	Port    int      `json:"port,omitempty"`
	GpuIds  []string `json:"gpuIds,omitempty"`
}
