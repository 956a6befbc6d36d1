package answer

import "tn-legal-rag/internal/models"

var abstentionMessages = map[models.Language]string{
	models.LangFrench: "Les documents disponibles ne traitent pas cette question avec suffisamment de précision pour formuler un avis juridique fiable. " +
		"Je vous recommande de consulter directement les textes législatifs applicables ou un confrère spécialisé dans ce domaine.",
	models.LangArabic: "المصادر المتوفرة لا تعالج هذه المسألة بشكل كافٍ لإبداء رأي قانوني موثوق. " +
		"أنصحك بالرجوع مباشرةً إلى النصوص التشريعية ذات الصلة، أو استشارة محامٍ متخصص في هذا المجال.",
}

var outageMessages = map[models.Language]string{
	models.LangFrench: "Le service est temporairement indisponible. Veuillez réessayer dans quelques instants.",
	models.LangArabic: "الخدمة غير متوفرة مؤقتًا. يرجى المحاولة مرة أخرى بعد قليل.",
}

// AbstentionMessage is the insufficient-sources response in the answer language
func AbstentionMessage(l models.Language) string {
	return abstentionMessages[answerLanguage(l)]
}

// OutageMessage is the retry-later response shown when search or every provider is down
func OutageMessage(l models.Language) string {
	return outageMessages[answerLanguage(l)]
}

// answerLanguage maps a detected language onto a template language; Arabic is the default
func answerLanguage(l models.Language) models.Language {
	if l == models.LangFrench {
		return models.LangFrench
	}
	return models.LangArabic
}
