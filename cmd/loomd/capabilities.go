package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/casualjim/loom"
	"github.com/casualjim/loom/capability"
	"github.com/charmbracelet/glamour"
)

type speech struct {
	Text string `json:"text" jsonschema:"description=text to speak"`
}

type spoken struct {
	Spoken string `json:"spoken"`
}

// natives are the handlers manifests can refer to by name.
var natives = capability.Natives{
	"tts.echo": capability.Func(func(_ context.Context, in speech) (spoken, error) {
		return spoken{Spoken: in.Text}, nil
	}),
}

func builtins() []capability.Capability {
	return []capability.Capability{
		{
			Name:        "tts.echo",
			Version:     "1",
			Description: "Echoes text back as if it had been spoken.",
			Privacy:     capability.Public,
			Backends:    []capability.Backend{capability.Native(natives["tts.echo"])},
		},
	}
}

// registerAll registers the builtins and then every manifest. Manifests may
// replace builtins when replacement is allowed.
func registerAll(ctx context.Context, broker *loom.Broker, manifests []string) error {
	for _, c := range builtins() {
		if err := broker.Register(ctx, c); err != nil {
			return err
		}
	}
	for _, path := range manifests {
		caps, err := capability.LoadManifestFile(path, natives.Lookup)
		if err != nil {
			return err
		}
		for _, c := range caps {
			if err := broker.Register(ctx, c); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}

func capabilityTable(caps []capability.Capability) string {
	var b strings.Builder
	b.WriteString("# Capabilities\n\n")
	b.WriteString("| name | version | privacy | backends | description |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, c := range caps {
		ids := make([]string, 0, len(c.Backends))
		for _, backend := range c.Backends {
			ids = append(ids, "`"+backend.ID()+"`")
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			c.Name, c.Version, c.PrivacyClass(), strings.Join(ids, ", "), c.Description)
	}
	return b.String()
}

func printCapabilities(w io.Writer, caps []capability.Capability) error {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		return err
	}
	out, err := r.Render(capabilityTable(caps))
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
