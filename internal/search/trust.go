package search

import (
	"net/url"
	"strings"

	"github.com/raphaelgruber/polychat/internal/models"
)

var (
	// authoritativeTLDs are top-level domains reserved for institutions.
	authoritativeTLDs = map[string]bool{"gov": true, "mil": true, "edu": true, "int": true}

	// authoritativeSLDs match the second-to-last label, e.g. gov.uk or gob.mx.
	authoritativeSLDs = map[string]bool{"gov": true, "gob": true, "gouv": true, "govt": true, "mil": true, "ac": true, "edu": true}

	authoritativeDomains = []string{"europa.eu", "who.int", "un.org"}
)

// Classify tags a source URL as authoritative (government or institutional
// domain) or third-party.
func Classify(rawURL string) models.SourceTrust {
	host := hostOf(rawURL)
	if host == "" {
		return models.TrustThirdParty
	}

	labels := strings.Split(host, ".")
	if authoritativeTLDs[labels[len(labels)-1]] {
		return models.TrustAuthoritative
	}
	if len(labels) >= 3 && len(labels[len(labels)-1]) == 2 && authoritativeSLDs[labels[len(labels)-2]] {
		return models.TrustAuthoritative
	}
	for _, d := range authoritativeDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return models.TrustAuthoritative
		}
	}
	return models.TrustThirdParty
}

func hostOf(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}
