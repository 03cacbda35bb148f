package chunker

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// LanguageSpec defines how files of one language are split.
type LanguageSpec struct {
	// Grammar is the tree-sitter grammar. Nil means the language is split
	// without a parser (Vue sections).
	Grammar *sitter.Language
	// Query is a tree-sitter S-expression query. The outer node of each
	// pattern is captured under its chunk type (@function, @class, @method,
	// @interface, @enum) and its identifier under @name.
	Query      string
	Extensions []string
}

// Registry maps languages and file extensions to language specs.
type Registry struct {
	mu    sync.RWMutex
	exts  map[string]Language // extension (without dot) → language
	specs map[Language]*LanguageSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exts:  make(map[string]Language),
		specs: make(map[Language]*LanguageSpec),
	}
}

// Register adds a language spec.
func (r *Registry) Register(lang Language, spec *LanguageSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[lang] = spec
	for _, ext := range spec.Extensions {
		r.exts[ext] = lang
	}
}

// Spec returns the spec registered for lang, or nil.
func (r *Registry) Spec(lang Language) *LanguageSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[lang]
}

// Detect returns the language for a file path based on its extension.
func (r *Registry) Detect(path string) Language {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lang, ok := r.exts[ext]; ok {
		return lang
	}
	return Unknown
}

// Extensions returns the set of all registered file extensions (without dot).
func (r *Registry) Extensions() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make(map[string]bool, len(r.exts))
	for ext := range r.exts {
		exts[ext] = true
	}
	return exts
}
