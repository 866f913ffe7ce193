package models

import "encoding/json"

// Destination is where an activated slide leads.
type Destination struct {
	Kind LinkKind `json:"kind"`
	// URL is set for external links.
	URL string `json:"url,omitempty"`
	// ContentID and Content are set for content links; Content is the stored document.
	ContentID string          `json:"content_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}
