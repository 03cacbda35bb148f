package languages

import "coderag/internal/chunker"

// RegisterVue registers single-file components. They are split on their
// top-level sections and need no grammar.
func RegisterVue(r *chunker.Registry) {
	r.Register(chunker.Vue, &chunker.LanguageSpec{
		Extensions: []string{"vue"},
	})
}

// Default returns a registry with every supported language registered.
func Default() *chunker.Registry {
	r := chunker.NewRegistry()
	RegisterPython(r)
	RegisterJava(r)
	RegisterJavaScript(r)
	RegisterVue(r)
	return r
}
