package gaps

import (
	"sort"
	"strings"
	"time"

	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/models"
)

// signal is one piece of evidence that the knowledge base lacks coverage: a low-confidence
// search or a negative feedback entry.
type signal struct {
	text     string
	keywords []string
	domain   string
	at       time.Time
	feedback bool
	rating   int
}

// cluster groups signals about the same legal topic within one domain
type cluster struct {
	domain  string
	signals []signal
}

func querySignal(e models.QueryLogEntry) signal {
	domain := e.Domain
	if domain == "" {
		domain = lang.DetectDomain(e.Query)
	}
	return signal{text: e.Query, keywords: lang.Keywords(e.Query), domain: domain, at: e.CreatedAt}
}

func feedbackSignal(f models.Feedback) signal {
	text := strings.TrimSpace(f.Question)
	if text == "" {
		text = strings.TrimSpace(f.Comment)
	}
	domain := f.Domain
	if domain == "" && text != "" {
		domain = lang.DetectDomain(text)
	}
	return signal{
		text:     text,
		keywords: lang.Keywords(text),
		domain:   domain,
		at:       f.CreatedAt,
		feedback: true,
		rating:   f.Rating,
	}
}

// clusterSignals groups signals by single-linkage over keyword Jaccard similarity. A signal
// joins the cluster of the same domain holding its most similar member when that similarity
// reaches threshold. Signals are processed oldest first so the result is stable.
func clusterSignals(signals []signal, threshold float64) []*cluster {
	sorted := append([]signal(nil), signals...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].at.Equal(sorted[j].at) {
			return sorted[i].at.Before(sorted[j].at)
		}
		return sorted[i].text < sorted[j].text
	})

	var clusters []*cluster
	for _, s := range sorted {
		if len(s.keywords) == 0 {
			continue
		}
		var best *cluster
		bestSim := 0.0
		for _, c := range clusters {
			if c.domain != s.domain {
				continue
			}
			for _, m := range c.signals {
				if sim := lang.Jaccard(s.keywords, m.keywords); sim > bestSim {
					best, bestSim = c, sim
				}
			}
		}
		if best != nil && bestSim >= threshold {
			best.signals = append(best.signals, s)
			continue
		}
		clusters = append(clusters, &cluster{domain: s.domain, signals: []signal{s}})
	}
	return clusters
}

// attachByDomain credits feedback that carries no text to the largest cluster of its domain.
// Feedback whose domain has no cluster is dropped.
func attachByDomain(clusters []*cluster, orphans []signal) {
	for _, s := range orphans {
		var target *cluster
		for _, c := range clusters {
			if c.domain == s.domain && (target == nil || len(c.signals) > len(target.signals)) {
				target = c
			}
		}
		if target != nil {
			target.signals = append(target.signals, s)
		}
	}
}

// topKeywords returns up to n keywords of the cluster by frequency, ties alphabetical
func (c *cluster) topKeywords(n int) []string {
	counts := make(map[string]int)
	for _, s := range c.signals {
		for _, k := range s.keywords {
			counts[k]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

// topicKey identifies a new gap: the domain plus its three strongest keywords, sorted
func (c *cluster) topicKey() string {
	kws := c.topKeywords(3)
	sort.Strings(kws)
	return c.domain + ":" + strings.Join(kws, "+")
}
