package prompt

// Template names.
const (
	Propose     = "propose.md"
	Synthesize  = "synthesize.md"
	RepairLocal = "repair-local.md"
	Regenerate  = "regenerate.md"
)

var builtinTemplates = map[string]string{
	Propose:     proposeTemplate,
	Synthesize:  synthesizeTemplate,
	RepairLocal: repairLocalTemplate,
	Regenerate:  regenerateTemplate,
}

const proposeTemplate = `# Research problem
{{problem}}

Generation: {{generation}}
{{#if history}}
## Earlier generations
{{history}}
{{/if}}
{{#if previous_feedback}}
## Last attempt
Hypothesis: {{previous_hypothesis}}
Score: {{previous_score}}
Feedback:
{{previous_feedback}}
{{/if}}
{{#if best_hypothesis}}
## Best so far (score {{best_score}})
{{best_hypothesis}}
{{/if}}

## Task
Propose the next hypothesis to try. It must differ from earlier attempts and
address the feedback above. Reply with:

HYPOTHESIS: <one paragraph describing the approach>
RATIONALE: <why it should score better>
`

const synthesizeTemplate = `# Implement a hypothesis

## Problem
{{problem}}

## Hypothesis
{{hypothesis}}

## Requirements
- Language: {{language}}
{{#if outputs}}- Write these output files: {{outputs}}
{{/if}}{{#if inputs}}- Input files available in the working directory: {{inputs}}
{{/if}}- The program runs non-interactively from the working directory.
- Reply with one fenced code block per file. Put the file path in the fence
  info string, for example ` + "```python main.py" + `.
{{#if previous_errors}}

## Your previous attempt did not parse
{{previous_errors}}
Fix these problems in the new version.
{{/if}}
`

const repairLocalTemplate = `# Repair a fault

File: {{file}} ({{language}})
The {{node_kind}} at lines {{start_line}}-{{end_line}} caused this error:

` + "```" + `
{{error}}
` + "```" + `

Current text of the {{node_kind}}:

` + "```" + `{{language}}
{{node_text}}
` + "```" + `
{{#if context}}

Surrounding file for reference (do not rewrite it):

` + "```" + `{{language}}
{{context}}
` + "```" + `
{{/if}}

Reply with a single fenced code block containing only the corrected
replacement for the {{node_kind}} above. Keep its name and signature unless
the error requires changing them.
`

const regenerateTemplate = `# Rewrite a failing implementation

## Problem
{{problem}}

## Hypothesis
{{hypothesis}}

## Current implementation ({{language}})
{{files}}

## Failure
` + "```" + `
{{error}}
` + "```" + `

Rewrite the implementation so it runs successfully. Reply with one fenced
code block per file, with the file path in the fence info string.
`
