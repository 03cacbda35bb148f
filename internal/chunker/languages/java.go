package languages

import (
	"coderag/internal/chunker"

	"github.com/smacker/go-tree-sitter/java"
)

func RegisterJava(r *chunker.Registry) {
	r.Register(chunker.Java, &chunker.LanguageSpec{
		Grammar: java.GetLanguage(),
		Query: `
			(class_declaration name: (identifier) @name) @class
			(interface_declaration name: (identifier) @name) @interface
			(enum_declaration name: (identifier) @name) @enum
			(method_declaration name: (identifier) @name) @method
			(constructor_declaration name: (identifier) @name) @method
		`,
		Extensions: []string{"java"},
	})
}
