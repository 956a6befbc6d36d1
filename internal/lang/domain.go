package lang

import (
	"sort"
	"strings"
)

// DomainGeneral is returned when no legal domain matches
const DomainGeneral = "general"

// domainKeywords are normalized stems (see Keywords) per legal domain, French and Arabic.
var domainKeywords = map[string][]string{
	"civil": {
		"contrat", "obligation", "responsabilite", "prejudice", "dommage", "bail", "vente", "coc",
		"عقد", "التزام", "مسووليه", "ضرر", "كراء", "بيع", "التزامات",
	},
	"penal": {
		"penal", "infraction", "crime", "delit", "peine", "vol", "escroquerie", "prison", "emprisonnement",
		"جزايي", "جريمه", "جنحه", "عقوبه", "سرقه", "تحيل", "سجن",
	},
	"commercial": {
		"commercial", "societe", "commerce", "faillite", "cheque", "lettre", "fonds", "actionnaire",
		"تجاري", "تجاريه", "شركه", "افلاس", "شيك", "كمبياله",
	},
	"family": {
		"divorce", "mariage", "pension", "garde", "heritage", "succession", "csp", "filiation", "dot",
		"طلاق", "زواج", "نفقه", "حضانه", "ميراث", "نسب", "مهر", "شخصيه",
	},
	"labor": {
		"travail", "salarie", "licenciement", "employeur", "salaire", "preavis", "syndicat",
		"شغل", "عامل", "اجير", "طرد", "مشغل", "اجر", "اجره", "نقابه",
	},
	"administrative": {
		"administratif", "administrative", "fonctionnaire", "marche", "recours", "exces", "pouvoir",
		"اداري", "اداريه", "موظف", "صفقه", "تجاوز", "سلطه",
	},
	"fiscal": {
		"fiscal", "impot", "taxe", "tva", "douane", "contribuable",
		"جبايي", "ضريبه", "اداء", "ديوانه", "معاليم",
	},
	"real_estate": {
		"foncier", "immobilier", "propriete", "immatriculation", "titre", "hypotheque",
		"عقاري", "عقار", "ملكيه", "تسجيل", "رهن",
	},
	"constitutional": {
		"constitution", "constitutionnel", "constitutionnelle", "parlement", "election",
		"دستور", "دستوري", "برلمان", "انتخابات",
	},
	"procedure": {
		"procedure", "appel", "cassation", "pourvoi", "delai", "jugement", "tribunal", "huissier",
		"اجراءات", "استيناف", "تعقيب", "اجل", "حكم", "محكمه", "عدل",
	},
}

// DetectDomain tags text with the legal domain whose keywords it mentions most.
// Ties resolve alphabetically so the result is stable.
func DetectDomain(text string) string {
	words := Keywords(text)
	if len(words) == 0 {
		return DomainGeneral
	}

	scores := make(map[string]int)
	for domain, kws := range domainKeywords {
		for _, w := range words {
			for _, kw := range kws {
				if w == kw || (len([]rune(kw)) >= 4 && strings.HasPrefix(w, kw)) {
					scores[domain]++
					break
				}
			}
		}
	}

	domains := make([]string, 0, len(scores))
	for d := range scores {
		domains = append(domains, d)
	}
	if len(domains) == 0 {
		return DomainGeneral
	}
	sort.Slice(domains, func(i, j int) bool {
		if scores[domains[i]] != scores[domains[j]] {
			return scores[domains[i]] > scores[domains[j]]
		}
		return domains[i] < domains[j]
	})
	return domains[0]
}

// Domains lists every known domain
func Domains() []string {
	out := make([]string, 0, len(domainKeywords))
	for d := range domainKeywords {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
