package conversation

import "strings"

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Asset is a provider-side handle for an uploaded file.
type Asset struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
}

// Part is either plain text or an asset reference, never both.
type Part struct {
	Text  string `json:"text,omitempty"`
	Asset *Asset `json:"asset,omitempty"`
}

func TextPart(text string) Part { return Part{Text: text} }

func AssetPart(a Asset) Part { return Part{Asset: &a} }

func (p Part) IsAsset() bool { return p.Asset != nil }

// Turn is one role-tagged entry in a session's history.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

func UserTurn(parts ...Part) Turn {
	return Turn{Role: RoleUser, Parts: parts}
}

func ModelTurn(text string) Turn {
	return Turn{Role: RoleModel, Parts: []Part{TextPart(text)}}
}

// Text joins the text parts of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.IsAsset() {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// AssetURIs lists the URIs of the assets referenced by the turn, in order.
func (t Turn) AssetURIs() []string {
	var out []string
	for _, p := range t.Parts {
		if p.IsAsset() {
			out = append(out, p.Asset.URI)
		}
	}
	return out
}

func cloneTurn(t Turn) Turn {
	c := Turn{Role: t.Role, Parts: make([]Part, len(t.Parts))}
	for i, p := range t.Parts {
		c.Parts[i] = p
		if p.Asset != nil {
			a := *p.Asset
			c.Parts[i].Asset = &a
		}
	}
	return c
}
