package expansion

// legal synonyms, French
var synonymsFR = map[string][]string{
	"contrat":        {"convention", "accord", "engagement", "pacte"},
	"bail":           {"location", "louage"},
	"vente":          {"cession", "aliénation"},
	"donation":       {"libéralité"},
	"procédure":      {"instance", "poursuite"},
	"jugement":       {"décision", "sentence", "arrêt"},
	"appel":          {"recours", "voie de recours"},
	"cassation":      {"pourvoi"},
	"avocat":         {"conseil", "défenseur"},
	"juge":           {"magistrat"},
	"partie":         {"plaideur", "justiciable"},
	"responsabilité": {"obligation de réparer"},
	"dommage":        {"préjudice", "tort"},
	"faute":          {"manquement", "négligence"},
	"divorce":        {"dissolution du mariage", "rupture conjugale"},
	"succession":     {"héritage", "transmission du patrimoine"},
	"garde":          {"droit de garde", "hadana"},
	"licenciement":   {"rupture du contrat de travail", "renvoi"},
	"salaire":        {"rémunération", "traitement"},
	"préavis":        {"délai de congé"},
	"crime":          {"infraction grave"},
	"délit":          {"infraction"},
	"peine":          {"sanction", "condamnation"},
	"prescription":   {"délai de prescription"},
	"propriété":      {"droit de propriété", "bien"},
	"expulsion":      {"éviction"},
	"loyer":          {"redevance locative"},
	"société":        {"entreprise", "compagnie"},
	"faillite":       {"banqueroute", "liquidation judiciaire"},
	"recours":        {"contestation", "opposition"},
	"annulation":     {"invalidation"},
}

// legal synonyms, Arabic
var synonymsAR = map[string][]string{
	"عقد":     {"اتفاق", "عهد"},
	"كراء":    {"إيجار"},
	"بيع":     {"شراء"},
	"حكم":     {"قرار", "قضاء"},
	"استئناف": {"طعن"},
	"تعقيب":   {"نقض"},
	"طلاق":    {"انفصال"},
	"ميراث":   {"تركة"},
	"حضانة":   {"كفالة"},
	"أجر":     {"راتب", "معاش"},
	"عمل":     {"شغل"},
	"جريمة":   {"جناية"},
	"عقوبة":   {"جزاء"},
	"ملكية":   {"عقار"},
}

// frToAR maps frequent French legal terms to their Arabic equivalent
var frToAR = map[string]string{
	"contrat":      "عقد",
	"bail":         "كراء",
	"vente":        "بيع",
	"donation":     "هبة",
	"jugement":     "حكم",
	"appel":        "استئناف",
	"cassation":    "تعقيب",
	"divorce":      "طلاق",
	"succession":   "ميراث",
	"garde":        "حضانة",
	"licenciement": "طرد",
	"salaire":      "أجر",
	"crime":        "جريمة",
	"peine":        "عقوبة",
	"propriété":    "ملكية",
	"loyer":        "كراء",
}
