package processor

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tn-legal-rag/internal/models"
)

func TestCleanText(t *testing.T) {
	raw := "Journal Officiel de la République Tunisienne\nArticle premier   -  La présente loi\n\n\n\nfixe les règles.\n- 12 -\f" +
		"Page 13\nArticle 2 - Sont abrogées\ttoutes dispositions contraires."
	got := CleanText(raw)

	assert.NotContains(t, got, "Journal Officiel")
	assert.NotContains(t, got, "- 12 -")
	assert.NotContains(t, got, "Page 13")
	assert.Contains(t, got, "Article premier - La présente loi\n\nfixe les règles.")
	assert.Contains(t, got, "Sont abrogées toutes dispositions")
}

func TestExtractHTML(t *testing.T) {
	html := `<html lang="fr"><head><title>JORT</title><script>var x = 1;</script></head>
<body><nav><a href="/">Accueil</a></nav>
<main><h1>Loi n° 2016-36 relative aux procédures collectives</h1>
<p>Article premier - La présente loi a pour objet le sauvetage des entreprises.</p></main>
<footer>Tous droits réservés</footer></body></html>`

	page, err := ExtractHTML(strings.NewReader(html), "https://legislation.tn")
	require.NoError(t, err)
	assert.Equal(t, "Loi n° 2016-36 relative aux procédures collectives", page.Title)
	assert.Equal(t, "fr", page.Language)
	assert.Contains(t, page.Markdown, "sauvetage des entreprises")
	assert.NotContains(t, page.Markdown, "Accueil")
	assert.NotContains(t, page.Markdown, "var x")
	assert.NotContains(t, page.Markdown, "droits réservés")
}

func TestExtractCitations(t *testing.T) {
	fr := ExtractCitations("Conformément à la Loi n° 2016-36 et au Décret-loi n° 2011-115, voir l'Article 242 COC.")
	require.Len(t, fr, 3)
	assert.Equal(t, Citation{Text: "Loi n° 2016-36", Kind: CiteLaw, Ref: "Loi n° 2016-36"}, fr[0])
	assert.Equal(t, Citation{Text: "Décret-loi n° 2011-115", Kind: CiteDecree, Ref: "Décret-loi n° 2011-115"}, fr[1])
	assert.Equal(t, Citation{Text: "Article 242 COC", Kind: CiteArticle}, fr[2])

	ar := ExtractCitations("طبق القانون عدد 36 لسنة 2016 والفصل 12 من مجلة الالتزامات والعقود")
	require.Len(t, ar, 2)
	assert.Equal(t, CiteLaw, ar[0].Kind)
	assert.Equal(t, "عدد 36 لسنة 2016", ar[0].Ref)
	assert.Equal(t, "الفصل 12 من مجلة الالتزامات والعقود", ar[1].Text)

	assert.Equal(t, []string{"Loi n° 2016-36", "Décret-loi n° 2011-115"}, References(fr))
}

func para(prefix string, n int) string {
	return prefix + strings.Repeat(" texte juridique applicable", n)
}

func TestChunkerSplitsOnArticles(t *testing.T) {
	text := strings.Join([]string{
		para("Article premier - Objet.", 5),
		para("Article 2 - Champ d'application.", 5),
		para("Article 3 bis - Sanctions, voir Loi n° 2016-36.", 5),
	}, "\n\n")
	doc := &models.Document{ID: "doc-1", Title: "Loi test", FullText: text, Language: models.LangFrench, Category: "legislation"}

	chunks := NewChunker(1500, 200).Chunk(doc)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "doc-1", c.DocumentID)
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, models.LangFrench, c.Metadata.Language)
	}
	assert.Equal(t, "Article premier", chunks[0].Metadata.Section)
	assert.Equal(t, "Article 3 bis", chunks[2].Metadata.Section)
	assert.Equal(t, "Loi test > Article 3 bis", chunks[2].Metadata.Hierarchy)
	assert.Contains(t, chunks[2].Metadata.Citations, "Loi n° 2016-36")
	assert.Equal(t, []string{"legislation"}, chunks[0].Metadata.Tags)
}

func TestChunkerArabicArticles(t *testing.T) {
	body := strings.Repeat(" يجب على المتعاقدين الوفاء بالالتزامات", 5)
	text := "الفصل الأول" + body + "\n\nالفصل 2" + body
	chunks := NewChunker(1500, 200).Chunk(&models.Document{ID: "d", Title: "مجلة", FullText: text})

	require.Len(t, chunks, 2)
	assert.Equal(t, "الفصل الأول", chunks[0].Metadata.Section)
	assert.Equal(t, "الفصل 2", chunks[1].Metadata.Section)
	assert.Equal(t, models.LangArabic, chunks[1].Metadata.Language)
}

func TestChunkerMergesShortSections(t *testing.T) {
	text := "Article 1 - Court.\n\n" + para("Article 2 - Long.", 8)
	chunks := NewChunker(1500, 200).Chunk(&models.Document{ID: "d", Title: "T", FullText: text})
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "Article 1 - Court.")
}

func TestChunkerBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(120, 800).Draw(t, "size")
		overlap := rapid.IntRange(0, size/3).Draw(t, "overlap")
		paras := rapid.SliceOfN(rapid.IntRange(1, 200), 1, 15).Draw(t, "paras")

		var parts []string
		for i, n := range paras {
			if i%4 == 0 {
				parts = append(parts, para(fmt.Sprintf("Article %d -", i+1), n))
			} else {
				parts = append(parts, para("Alinéa.", n))
			}
		}
		doc := &models.Document{ID: "d", Title: "T", FullText: strings.Join(parts, "\n\n")}
		chunks := NewChunker(size, overlap).Chunk(doc)

		if len(chunks) == 0 {
			t.Fatalf("no chunks for non-empty text")
		}
		for i, c := range chunks {
			if c.Index != i {
				t.Fatalf("chunk %d has index %d", i, c.Index)
			}
			if strings.TrimSpace(c.Content) == "" {
				t.Fatalf("chunk %d is empty", i)
			}
			if len(c.Content) > size {
				t.Fatalf("chunk %d is %d bytes, limit %d", i, len(c.Content), size)
			}
		}
	})
}

func TestClassify(t *testing.T) {
	c := Classify("Loi organique n° 2017-58 du 11 août 2017", "relative à l'élimination de la violence à l'égard des femmes. Article premier - La présente loi organique vise à mettre en place les mesures susceptibles d'éliminer toute forme de violence.")
	assert.Equal(t, CategoryLegislation, c.Category)
	assert.Equal(t, models.NormLoiOrganique, c.NormLevel)
	assert.Equal(t, models.LangFrench, c.Language)
	assert.Equal(t, models.AbrogationActive, c.Abrogation)

	c = Classify("قرار تعقيبي مدني عدد 1234", "صادر عن محكمة التعقيب بتاريخ 12 جانفي 2021 في نزاع يتعلق بعقد كراء")
	assert.Equal(t, CategoryJurisprudence, c.Category)
	assert.Equal(t, "cassation", c.Tribunal)
	assert.Equal(t, models.LangArabic, c.Language)

	c = Classify("Décret n° 2014-1039", "Ce décret est abrogé par le décret gouvernemental n° 2020-12.")
	assert.Equal(t, models.NormDecret, c.NormLevel)
	assert.Equal(t, models.AbrogationSuspected, c.Abrogation)

	c = Classify("Circulaire aux receveurs des finances", "Objet : application de la TVA.")
	assert.Equal(t, models.NormCirculaire, c.NormLevel)
}

func TestClassificationApplyKeepsOperatorFields(t *testing.T) {
	d := &models.Document{Category: "custom", NormLevel: models.NormConstitution}
	Classification{Category: CategoryLegislation, NormLevel: models.NormDecret, Domain: "fiscal", Abrogation: models.AbrogationSuspected}.Apply(d)
	assert.Equal(t, "custom", d.Category)
	assert.Equal(t, models.NormConstitution, d.NormLevel)
	assert.Equal(t, "fiscal", d.Domain)
	assert.Equal(t, models.AbrogationSuspected, d.AbrogationStatus)
}

func TestScoreQuality(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 8; i++ {
		fmt.Fprintf(&b, "Article %d - %s, conformément à la Loi n° 2016-%d.\n\n", i, strings.Repeat("Les dispositions du présent code s'appliquent ", 8), i)
	}
	good := ScoreQuality(b.String())
	poor := ScoreQuality("texte \uFFFD\uFFFD\uFFFD illisible")

	assert.Greater(t, good.Score, 0.8)
	assert.Less(t, poor.Score, 0.5)
	assert.Contains(t, poor.Issues, "text too short")
	assert.Contains(t, poor.Issues, "encoding noise")
	assert.LessOrEqual(t, good.Score, 1.0)
}
