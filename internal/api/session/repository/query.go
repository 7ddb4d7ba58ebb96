package sessionRepository

const (
	queryGetCategoryToolkit = `
		SELECT tool_name
		FROM category_toolkits
		WHERE category = :category AND is_active = true
		ORDER BY sort_order ASC
	`

	queryGetSubstituteHints = `
		SELECT item, substitute, note
		FROM substitute_hints
		WHERE item IN (?) AND is_active = true
		ORDER BY item ASC, priority DESC
	`
)
