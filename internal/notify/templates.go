package notify

import "strings"

// Message templates per type and language. Placeholders are literal
// {{key}} markers; a key missing from the data stays in the output
// untouched so a bad template is visible instead of silently blank.
var templates = map[string]map[string]string{
	"fr": {
		"confirmation": "Votre ticket {{ticket_number}} pour {{service_name}} est confirmé. Position dans la file: {{position}}.",
		"almost_turn":  "Votre tour approche! Ticket {{ticket_number}}, position {{position}}. Merci de vous présenter en agence.",
		"your_turn":    "C'est votre tour! Ticket {{ticket_number}}, veuillez vous présenter au guichet {{counter_number}}.",
	},
	"ar": {
		"confirmation": "تم تأكيد تذكرتك {{ticket_number}} لخدمة {{service_name}}. موقعك في الصف: {{position}}.",
		"almost_turn":  "اقترب دورك! التذكرة {{ticket_number}}، الموقع {{position}}. يرجى الحضور إلى الوكالة.",
		"your_turn":    "حان دورك! التذكرة {{ticket_number}}، يرجى التوجه إلى الشباك {{counter_number}}.",
	},
}

const defaultLanguage = "fr"

func templateFor(messageType, language string) string {
	byType, ok := templates[language]
	if !ok {
		byType = templates[defaultLanguage]
	}
	return byType[messageType]
}

// RenderTemplate substitutes {{key}} markers from data. Unknown markers
// are left verbatim.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for key, value := range data {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}
