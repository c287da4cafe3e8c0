package template

// builtinTemplates cover the common step types. Plans with custom types
// register their own templates via Register or LoadDir. Every template tells
// the generator to emit raw file content because the executor strips at most
// one wrapping code fence and validation rejects the rest.
var builtinTemplates = map[string]string{
	"default": `Task: {{.task}}

Step: {{.title}}

Produce the complete output for this step. Output raw content only, with no
surrounding commentary and no markdown code fences.`,

	"code": `Task: {{.task}}

Step: {{.title}}

Write the complete contents of the file {{.file}}. Output only the raw file
content: no explanations, no markdown code fences, no partial snippets. The
file must be complete and syntactically valid.`,

	"test": `Task: {{.task}}

Step: {{.title}}

Write the complete contents of the test file {{.file}}. Cover the behavior
described above, including failure cases. Output only the raw file content:
no explanations and no markdown code fences.`,

	"docs": `Task: {{.task}}

Step: {{.title}}

Write the complete contents of the documentation file {{.file}}. Be accurate
and concise. Output only the raw file content with no surrounding commentary.`,

	"config": `Task: {{.task}}

Step: {{.title}}

Write the complete contents of the configuration file {{.file}}. Output only
the raw file content. The file must parse in its target format.`,
}
