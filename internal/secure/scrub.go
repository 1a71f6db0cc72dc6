package secure

import (
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pii"
)

// findings holds the matches for each text field of a request.
type findings struct {
	system   []pii.Match
	messages [][]pii.Match
	prompt   []pii.Match
}

func (f findings) all() []pii.Match {
	out := append([]pii.Match(nil), f.system...)
	for _, m := range f.messages {
		out = append(out, m...)
	}
	return append(out, f.prompt...)
}

func (f findings) types() []string {
	return pii.Types(f.all())
}

func (g *Gateway) detect(req *domain.Request) findings {
	if g.detector == nil {
		return findings{}
	}
	f := findings{
		system:   g.detector.Detect(req.System),
		prompt:   g.detector.Detect(req.Prompt),
		messages: make([][]pii.Match, len(req.Messages)),
	}
	for i, m := range req.Messages {
		f.messages[i] = g.detector.Detect(m.Content)
	}
	return f
}

// scrub returns a copy of req with every match redacted.
func (g *Gateway) scrub(req *domain.Request, f findings) *domain.Request {
	c := req.Clone()
	c.System = pii.Redact(c.System, f.system)
	c.Prompt = pii.Redact(c.Prompt, f.prompt)
	for i := range c.Messages {
		if i < len(f.messages) {
			c.Messages[i].Content = pii.Redact(c.Messages[i].Content, f.messages[i])
		}
	}
	return c
}
