package llm

import (
	"strings"

	"github.com/lithammer/dedent"
)

// DefaultPromptTemplate is used when a provider config has no template.
var DefaultPromptTemplate = strings.TrimSpace(dedent.Dedent(`
	You are a nutrition assistant. Identify every food item visible in this photo
	and estimate its nutritional content for the portion shown.

	Estimate portion sizes from visual cues such as plate size and utensils.
	If the photo contains no food, respond with {"error": "no food detected"}.
`))

// schemaInstruction is appended to every prompt so all providers answer in
// the same shape.
var schemaInstruction = strings.TrimSpace(dedent.Dedent(`
	Respond in JSON format with these fields:
	- foodName: short name of the dish or meal
	- calories: total energy in kcal
	- protein: grams of protein
	- carbs: grams of carbohydrates
	- fat: grams of fat
	- fiber: grams of dietary fiber
	- items: when the photo shows several distinct foods, a list of objects with
	  the same fields (foodName, calories, protein, carbs, fat, fiber) for each food

	Use numbers, not strings, for every numeric field.

	Example response:
	{"foodName": "Chicken rice bowl", "calories": 650, "protein": 42, "carbs": 70, "fat": 18, "fiber": 5, "items": [{"foodName": "Grilled chicken", "calories": 280, "protein": 38, "carbs": 0, "fat": 12, "fiber": 0}, {"foodName": "White rice", "calories": 370, "protein": 4, "carbs": 70, "fat": 6, "fiber": 5}]}

	Respond ONLY with the JSON object, no markdown or other text.
`))

// BuildPrompt merges a configured template with the output schema.
func BuildPrompt(template string) string {
	template = strings.TrimSpace(template)
	if template == "" {
		template = DefaultPromptTemplate
	}
	return template + "\n\n" + schemaInstruction
}
