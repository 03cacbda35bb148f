package languages

import (
	"coderag/internal/chunker"

	"github.com/smacker/go-tree-sitter/javascript"
)

func RegisterJavaScript(r *chunker.Registry) {
	r.Register(chunker.JavaScript, &chunker.LanguageSpec{
		Grammar: javascript.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @function
			(class_declaration name: (identifier) @name) @class
			(method_definition name: (property_identifier) @name) @method
			(export_statement (function_declaration name: (identifier) @name)) @function
			(export_statement (class_declaration name: (identifier) @name)) @class
			(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @function
		`,
		Extensions: []string{"js", "jsx", "mjs", "cjs"},
	})
}
