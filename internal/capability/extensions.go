package capability

import (
	"github.com/inletworks/inlet/internal/schema"
)

// Secrets lets a handler see which secret names the caller was asked
// for and echo fulfillment metadata back on the outbound envelope.
type Secrets struct {
	params RunParams
}

func (Secrets) URI() string { return schema.ExtSecrets }

// RequestedNames lists the secret names declared in the inbound
// extension block.
func (s Secrets) RequestedNames() []string {
	raw, ok := s.params.Params["names"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok && name != "" {
			out = append(out, name)
		}
	}
	return out
}

// ResponseMeta builds the metadata block to echo on the outbound
// envelope once the request is answered.
func (s Secrets) ResponseMeta(fulfilled []string) map[string]any {
	names := make([]any, 0, len(fulfilled))
	for _, n := range fulfilled {
		names = append(names, n)
	}
	return map[string]any{"fulfilled": names}
}

// ModelHint exposes the caller's requested model. Resolving it requires
// the run's token to allow LLM invocation.
type ModelHint struct {
	params RunParams
}

func (ModelHint) URI() string { return schema.ExtModelHint }

func (m ModelHint) Model() string {
	return schema.GetMetaString(m.params.Params, "model")
}

// FormField is one field of a requested form.
type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Form exposes caller-declared form field definitions.
type Form struct {
	params RunParams
}

func (Form) URI() string { return schema.ExtForm }

func (f Form) Fields() []FormField {
	raw, ok := f.params.Params["fields"].([]any)
	if !ok {
		return nil
	}
	out := make([]FormField, 0, len(raw))
	for _, v := range raw {
		field, ok := v.(map[string]any)
		if !ok {
			continue
		}
		required, _ := field["required"].(bool)
		out = append(out, FormField{
			Name:     schema.GetMetaString(field, "name"),
			Label:    schema.GetMetaString(field, "label"),
			Required: required,
		})
	}
	return out
}

// RegisterBuiltins installs the built-in capability factories.
func RegisterBuiltins(r *Registry) {
	r.Register(schema.ExtSecrets, func(p RunParams) (Capability, error) {
		return Secrets{params: p}, nil
	})
	r.Register(schema.ExtModelHint, func(p RunParams) (Capability, error) {
		if p.Verify != nil {
			if err := p.Verify(Requirement{Kind: KindLLM, Verb: "invoke"}); err != nil {
				return nil, err
			}
		}
		return ModelHint{params: p}, nil
	})
	r.Register(schema.ExtForm, func(p RunParams) (Capability, error) {
		return Form{params: p}, nil
	})
}
