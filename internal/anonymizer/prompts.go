package anonymizer

import (
	"bytes"
	"fmt"
	"text/template"
)

// Prompt names
const (
	promptDetect       = "detect"
	promptSimple       = "rewrite_simple"
	promptReflexion    = "rewrite_reflexion"
	promptReidentify   = "reidentify"
	promptVerify       = "verify"
	promptPrivacyAdv   = "privacy_advice"
	promptPredict      = "predict"
	promptConsistency  = "consistency"
	promptUtilityAdv   = "utility_advice"
	systemAnonymizer   = "system_anonymizer"
	systemPrivacyCrit  = "system_privacy"
	systemUtilityCrit  = "system_utility"
	defaultLanguageTag = "en"
)

// PromptSet renders the prompts for one language
type PromptSet struct {
	Language  string
	templates *template.Template
}

var promptSets = map[string]map[string]string{
	"en": {
		systemAnonymizer: `You are an expert in text anonymization. You rewrite texts so that the people they mention can no longer be identified, while keeping everything else as close to the original as possible.`,

		systemPrivacyCrit: `You are an expert investigator. Given an anonymized text, you try to work out who it is about.`,

		systemUtilityCrit: `You are an expert text classifier. You judge what a text is about and how confident you are.`,

		promptDetect: `Identify every piece of information in the text below that could help identify the people it is about: names, places, dates, occupations, organizations, events and any other distinctive detail.

Text:
{{.Text}}`,

		promptSimple: `Anonymize the text below. The following sensitive information was found in it:
{{.Detection}}

Generalize or remove these details so that nobody can tell who the text is about. Do not add new facts.

Text:
{{.Text}}`,

		promptReflexion: `Anonymize the text below. Sensitive entities: {{.Entities}}.

Here are your previous editions with their scores:
{{.Previous}}
{{- if eq .PrivacyScore "Yes"}}
The latest edition can still be linked to the person: the person was found among the top {{.Threshold}} guesses.
Privacy advice: {{.PrivacyAdvice}}
{{- end}}
{{- if and (not .NoUtility) (eq .UtilityScore "No")}}
The latest edition no longer serves its original purpose.
Utility advice: {{.UtilityAdvice}}
{{- end}}

Write an improved edition.{{if not .NoUtility}} A higher reward is better: keep the privacy score above {{.Threshold}} and the utility score high.{{end}}

Text:
{{.Text}}`,

		promptReidentify: `Read the anonymized text below and list the real people you think it is about, most likely first. Give at most ten candidates.

Text:
{{.Text}}`,

		promptVerify: `Here is a list of candidates guessed from an anonymized text:
{{range $i, $c := .Candidates}}{{inc $i}}. {{$c}}
{{end}}
Does any candidate refer to one of these people: {{.People}}?
Answer with the number of the first candidate that does, or 0 if none does.`,

		promptPrivacyAdv: `The anonymized text below can still be linked to {{.People}}.

Text:
{{.Text}}

Explain briefly which details still give the person away and how to generalize them{{if not .NoUtility}} while keeping the text useful for its original purpose{{end}}.`,

		promptPredict: `What is the label of the text below? Answer with the label and your confidence from 0 to 100.

Text:
{{.Text}}`,

		promptConsistency: `Is the text below still consistent with the label "{{.Label}}"? Answer Yes or No, give your confidence from 0 to 100, and if No, explain what to restore.

Text:
{{.Text}}`,

		promptUtilityAdv: `The original text below has the label "{{.Label}}", but its anonymized version no longer conveys it.

Original text:
{{.Original}}

Anonymized text:
{{.Text}}

Explain briefly what to restore so the label is clear again{{if eq .PrivacyScore "Yes"}}, without reintroducing identifying details{{end}}.`,
	},
}

// Languages lists the built-in prompt languages
func Languages() []string {
	out := make([]string, 0, len(promptSets))
	for tag := range promptSets {
		out = append(out, tag)
	}
	return out
}

// NewPromptSet parses the prompts for a language tag; empty means English
func NewPromptSet(language string) (*PromptSet, error) {
	if language == "" {
		language = defaultLanguageTag
	}
	sources, ok := promptSets[language]
	if !ok {
		return nil, fmt.Errorf("no prompts for language %q", language)
	}

	root := template.New(language).Funcs(template.FuncMap{
		"inc": func(i int) int { return i + 1 },
	})
	for name, src := range sources {
		if _, err := root.New(name).Parse(src); err != nil {
			return nil, fmt.Errorf("prompt %s: %w", name, err)
		}
	}

	return &PromptSet{Language: language, templates: root}, nil
}

// Render executes the named prompt
func (p *PromptSet) Render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := p.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
