package prompts

import "strings"

// Category is the kind of edit an instruction asks for.
type Category string

const (
	CategoryBackground Category = "background"
	CategoryClothing   Category = "clothing"
	CategoryAddition   Category = "addition"
	CategoryRemoval    Category = "removal"
	CategoryStyle      Category = "style"
	CategoryOther      Category = "other"
)

type rule struct {
	category Category
	keywords []string
	template string
}

// Rules are checked in order; the first keyword hit wins.
var rules = []rule{
	{
		category: CategoryBackground,
		keywords: []string{"фон", "background", "задний план", "пейзаж", "окружение", "обстановка"},
		template: "Change ONLY the background to: %s. Keep ALL people EXACTLY the same. " +
			"Preserve facial features, hair, clothing, poses, body positions. " +
			"Only the background should change, people remain identical.",
	},
	{
		category: CategoryClothing,
		keywords: []string{"одежда", "костюм", "платье", "футболка", "clothing", "outfit", "наряд", "форма"},
		template: "Change clothing/style to: %s. But keep faces 100% identical. " +
			"Preserve facial features, expressions, hairstyle. " +
			"Only modify clothing, accessories, outfit.",
	},
	{
		category: CategoryAddition,
		keywords: []string{"добавь", "добавить", "add", "положи", "размести", "вставь"},
		template: "Add to the image: %s. Do NOT change existing people. " +
			"Keep faces, bodies, clothing exactly as they are. " +
			"Only add new elements to the scene.",
	},
	{
		category: CategoryRemoval,
		keywords: []string{"убери", "удалить", "remove", "сотри"},
		template: "Remove from the image: %s. Keep all people unchanged. " +
			"Preserve faces, features, poses. " +
			"Only remove specified elements.",
	},
	{
		category: CategoryStyle,
		keywords: []string{"стиль", "style", "в стиле", "как", "похоже на", "стилизация"},
		template: "Apply this artistic style to the image: %s. Try to keep faces recognizable. " +
			"Maintain general composition, subjects, and poses. " +
			"Preserve the essence of the original photo.",
	},
}

const fallbackTemplate = "%s. Try to preserve faces and people if possible. " +
	"Keep facial features similar. " +
	"Maintain the original composition and subjects."

// Classify returns the edit category of an instruction.
func Classify(instruction string) Category {
	lowered := strings.ToLower(instruction)
	for _, candidate := range rules {
		for _, keyword := range candidate.keywords {
			if strings.Contains(lowered, keyword) {
				return candidate.category
			}
		}
	}
	return CategoryOther
}

// Enhance wraps an edit instruction with preservation guidance for its category.
// The templates contain a literal percent sign, so substitution is textual.
func Enhance(instruction string) string {
	instruction = strings.TrimSpace(instruction)
	category := Classify(instruction)
	template := fallbackTemplate
	for _, candidate := range rules {
		if candidate.category == category {
			template = candidate.template
			break
		}
	}
	return strings.Replace(template, "%s", instruction, 1)
}
