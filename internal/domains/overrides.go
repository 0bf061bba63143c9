package domains

import (
	"fmt"
	"os"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/models"
	"gopkg.in/yaml.v3"
)

// Overrides is the on-disk shape of DOMAINS_FILE:
//
//	domains:
//	  chat-messages:
//	    path: /v2/chat
//	    dedup_window: 3s
type Overrides struct {
	Domains map[string]Override `yaml:"domains"`
}

// Override adjusts one domain. Zero fields keep the built-in value.
type Override struct {
	Path        string `yaml:"path"`
	DedupWindow string `yaml:"dedup_window"`
}

// LoadOverrides reads and parses a YAML overrides file.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, fmt.Errorf("reading domains file: %w", err)
	}

	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("parsing domains file: %w", err)
	}

	return o, nil
}

// Apply merges o into the registry. Unknown domain names are an error.
func (r *Registry) Apply(o Overrides) error {
	for name, ov := range o.Domains {
		d, ok := r.Get(models.Domain(name))
		if !ok {
			return fmt.Errorf("domains file: unknown domain %q", name)
		}

		if ov.Path != "" {
			d.Path = ov.Path
		}

		if ov.DedupWindow != "" {
			w, err := time.ParseDuration(ov.DedupWindow)
			if err != nil || w <= 0 {
				return fmt.Errorf("domains file: %s: invalid dedup_window %q", name, ov.DedupWindow)
			}

			d.DedupWindow = w
		}

		r.Register(d)
	}

	return nil
}
