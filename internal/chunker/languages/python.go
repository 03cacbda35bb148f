package languages

import (
	"coderag/internal/chunker"

	"github.com/smacker/go-tree-sitter/python"
)

func RegisterPython(r *chunker.Registry) {
	r.Register(chunker.Python, &chunker.LanguageSpec{
		Grammar: python.GetLanguage(),
		Query: `
			(function_definition name: (identifier) @name) @function
			(class_definition name: (identifier) @name) @class
			(decorated_definition definition: (function_definition name: (identifier) @name)) @function
			(decorated_definition definition: (class_definition name: (identifier) @name)) @class
		`,
		Extensions: []string{"py"},
	})
}
