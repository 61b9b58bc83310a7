package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nidata/dataset_fetcher/internal/checksum"
	"github.com/nidata/dataset_fetcher/internal/downloader"
	"github.com/nidata/dataset_fetcher/internal/transfer"
)

var validate = validator.New()

// Manifest describes one batch: the dataset it belongs to and the files it needs.
// Fields naming local paths are only read from manifest files, never from JSON.
type Manifest struct {
	Dataset       string            `yaml:"dataset" json:"dataset" validate:"required"`
	DataDir       string            `yaml:"data_dir" json:"-"`
	ExtraEnv      []string          `yaml:"extra_env" json:"-"`
	Resume        *bool             `yaml:"resume" json:"resume"`
	Username      string            `yaml:"username" json:"username"`
	Password      string            `yaml:"password" json:"password" validate:"required_with=Username"`
	Headers       map[string]string `yaml:"headers" json:"headers"`
	ChecksumsFile string            `yaml:"checksums_file" json:"-"`
	Files         []Entry           `yaml:"files" json:"files" validate:"required,min=1,dive"`
}

// Entry is one file of a manifest. In YAML it can be written as a bare URL,
// a [name, url] pair or a full mapping.
type Entry struct {
	Name       string `yaml:"name" json:"name" validate:"required"`
	URL        string `yaml:"url" json:"url" validate:"required,http_url"`
	Checksum   string `yaml:"checksum" json:"checksum"`
	Extract    bool   `yaml:"extract" json:"extract"`
	RelocateTo string `yaml:"relocate_to" json:"relocate_to"`

	bare bool
}

// UnmarshalYAML accepts the three entry forms.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.URL = node.Value
		e.bare = true

		return nil
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: file pair must be [name, url], got %d items", node.Line, len(node.Content))
		}

		e.Name = node.Content[0].Value
		e.URL = node.Content[1].Value

		return nil
	case yaml.MappingNode:
		type plain Entry

		return node.Decode((*plain)(e))
	default:
		return fmt.Errorf("line %d: unexpected file entry", node.Line)
	}
}

// Load reads and normalizes a manifest file. A relative checksums_file is
// resolved against the manifest's directory.
func Load(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return Parse(data, filepath.Dir(file))
}

// Parse decodes a YAML manifest and normalizes it.
func Parse(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Normalize(baseDir); err != nil {
		return nil, err
	}

	return &m, nil
}

// Normalize names bare URL entries, fills checksums from the checksums file
// and validates the result.
func (m *Manifest) Normalize(baseDir string) error {
	nameBareEntries(m.Files)

	if m.ChecksumsFile != "" {
		sumFile := m.ChecksumsFile
		if !filepath.IsAbs(sumFile) {
			sumFile = filepath.Join(baseDir, sumFile)
		}

		sums, err := checksum.ReadSumFile(sumFile)
		if err != nil {
			return fmt.Errorf("failed to load checksums file: %w", err)
		}

		for i := range m.Files {
			e := &m.Files[i]
			if e.Checksum != "" {
				continue
			}

			if sum, ok := sums[e.Name]; ok {
				e.Checksum = sum
			} else if sum, ok := sums[path.Base(e.Name)]; ok {
				e.Checksum = sum
			}
		}
	}

	return Validate(m)
}

// ResumeEnabled reports whether interrupted transfers should be resumed. Defaults to true.
func (m *Manifest) ResumeEnabled() bool {
	return m.Resume == nil || *m.Resume
}

// Specs converts the manifest entries into downloader file specs.
func (m *Manifest) Specs() []downloader.FileSpec {
	var hooks []transfer.RequestHook
	for k, v := range m.Headers {
		hooks = append(hooks, transfer.Header(k, v))
	}

	specs := make([]downloader.FileSpec, 0, len(m.Files))

	for _, e := range m.Files {
		specs = append(specs, downloader.FileSpec{
			Name: e.Name,
			URL:  e.URL,
			Options: downloader.FileOptions{
				Checksum:   e.Checksum,
				Extract:    e.Extract,
				RelocateTo: e.RelocateTo,
				Username:   m.Username,
				Password:   m.Password,
				Hooks:      hooks,
			},
		})
	}

	return specs
}

// nameBareEntries names each bare URL by what follows the longest common
// directory prefix shared by all bare URLs.
func nameBareEntries(files []Entry) {
	var urls []string

	for _, e := range files {
		if e.bare {
			urls = append(urls, e.URL)
		}
	}

	if len(urls) == 0 {
		return
	}

	prefix := commonPrefix(urls)
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		prefix = prefix[:i+1]
	} else {
		prefix = ""
	}

	for i := range files {
		if files[i].bare && files[i].Name == "" {
			files[i].Name = strings.TrimPrefix(files[i].URL, prefix)
		}
	}
}

func commonPrefix(values []string) string {
	prefix := values[0]

	for _, v := range values[1:] {
		n := min(len(prefix), len(v))

		i := 0
		for i < n && prefix[i] == v[i] {
			i++
		}

		prefix = prefix[:i]
	}

	return prefix
}

// Validate checks the manifest's declared constraints.
func Validate(m *Manifest) error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}

		parts := make([]string, 0, len(verrs))
		for _, ve := range verrs {
			parts = append(parts, fmt.Sprintf("%s: failed %q", ve.Namespace(), ve.Tag()))
		}

		return &InvalidManifestError{Problems: parts}
	}

	return downloader.ValidateSpecs(m.Specs())
}

// InvalidManifestError lists every field that failed validation.
type InvalidManifestError struct {
	Problems []string
}

func (e *InvalidManifestError) Error() string {
	return "invalid manifest: " + strings.Join(e.Problems, "; ")
}
