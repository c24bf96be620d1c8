package threat

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/models"
)

var (
	sqlPattern = regexp.MustCompile(`(?i)(` +
		`['"]\s*OR\s*['"]?\d+['"]?\s*=\s*['"]?\d+|` +
		`['"]\s*OR\s*['"][^'"]*['"]\s*=\s*['"]|` +
		`UNION\s+(?:ALL\s+)?SELECT\b|` +
		`(?:SLEEP|BENCHMARK|WAITFOR\s+DELAY)\s*\(\s*['"]?\d+|` +
		`;\s*(?:INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|EXEC)\b|` +
		`\b(?:DROP|TRUNCATE)\s+(?:TABLE|DATABASE|SCHEMA)\s+\w+|` +
		`\bDELETE\s+FROM\s+\w+|` +
		`\bINSERT\s+INTO\s+\w+\s*(?:\(|VALUES)|` +
		`['";]\s*--|` +
		`/\*.*?\*/` +
		`)`)

	xssPattern = regexp.MustCompile(`(?i)(` +
		`<\s*script\b|` +
		`<\s*/\s*script\s*>|` +
		`<[^>]+\son\w+\s*=|` +
		`javascript\s*:|` +
		`vbscript\s*:|` +
		`data:text/(?:html|javascript)|` +
		`<\s*(?:iframe|object|embed|applet|svg)\b|` +
		`document\.(?:cookie|write|location)|` +
		`expression\s*\(` +
		`)`)

	commandPattern = regexp.MustCompile(`(?i)(` +
		`[;&|]\s*(?:ls|cat|wget|curl|nc|netcat|ncat|bash|sh|rm|id|whoami|uname|chmod|python|perl)\b|` +
		`\|\s*(?:sh|bash|cmd|powershell)\b|` +
		"`[^`]+`|" +
		`\$\([^)]+\)|` +
		`\b(?:nc|netcat|ncat)\s+-[ev]\b|` +
		`\b(?:system|shell_exec|passthru|popen|proc_open)\s*\(|` +
		`\bInvoke-Expression\b|` +
		`base64\s+-d\b` +
		`)`)

	pathPattern = regexp.MustCompile(`(?i)(` +
		`\.\.[/\\]|` +
		`%2e%2e(?:%2f|%5c|/|\\)|` +
		`\.\.%2f|\.\.%5c|` +
		`%c0%ae%c0%ae|` +
		`/etc/(?:passwd|shadow|hosts)\b|` +
		`/proc/self/|` +
		`\b(?:boot|win)\.ini\b` +
		`)`)

	headerInjectionPattern = regexp.MustCompile(`(?i)(` +
		`(?:\r|\n|%0d|%0a)\s*(?:Set-Cookie|Location|Content-Type|Content-Length|Transfer-Encoding|HTTP/1\.[01])` +
		`)`)
)

// field is one inspected value and where it came from.
type field struct {
	location string
	value    string
}

// detector inspects a snapshot and returns zero or more weighted indicators.
type detector struct {
	name string
	run  func(s *models.RequestSnapshot, fields []field) []models.Indicator
}

func newDetectors(cfg config.ThreatConfig) []detector {
	w := cfg.Weights
	return []detector{
		{name: string(models.EventSQLInjection), run: signature(models.EventSQLInjection, sqlPattern, w.SQLInjection)},
		{name: string(models.EventXSS), run: signature(models.EventXSS, xssPattern, w.XSS)},
		{name: string(models.EventCommandInjection), run: signature(models.EventCommandInjection, commandPattern, w.CommandInjection)},
		{name: string(models.EventPathTraversal), run: signature(models.EventPathTraversal, pathPattern, w.PathTraversal)},
		{name: string(models.EventCSRFMissing), run: csrfDetector(cfg)},
		{name: string(models.EventHeaderAnomaly), run: headerDetector(cfg)},
	}
}

// signature reports the first field matching pattern. A pattern hit counts
// once per request no matter how many fields match.
func signature(event models.EventType, pattern *regexp.Regexp, weight float64) func(*models.RequestSnapshot, []field) []models.Indicator {
	return func(_ *models.RequestSnapshot, fields []field) []models.Indicator {
		for _, f := range fields {
			if m := pattern.FindString(f.value); m != "" {
				return []models.Indicator{{
					Name:     string(event),
					Weight:   weight,
					Location: f.location,
					Detail:   truncate(m, 64),
				}}
			}
		}
		return nil
	}
}

var stateChanging = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func csrfDetector(cfg config.ThreatConfig) func(*models.RequestSnapshot, []field) []models.Indicator {
	return func(s *models.RequestSnapshot, _ []field) []models.Indicator {
		if !stateChanging[strings.ToUpper(s.Method)] {
			return nil
		}
		// token-authenticated API calls carry no ambient credentials
		if strings.HasPrefix(s.Header("Authorization"), "Bearer ") || s.Header("X-API-Key") != "" {
			return nil
		}
		for _, h := range cfg.CSRFHeaders {
			if s.Header(h) != "" {
				return nil
			}
		}
		for _, name := range cfg.CSRFFields {
			for _, v := range s.Body[name] {
				if v != "" {
					return nil
				}
			}
		}
		return []models.Indicator{{
			Name:     string(models.EventCSRFMissing),
			Weight:   cfg.Weights.CSRFMissing,
			Location: "headers",
			Detail:   "state-changing request without a csrf token",
		}}
	}
}

func headerDetector(cfg config.ThreatConfig) func(*models.RequestSnapshot, []field) []models.Indicator {
	return func(s *models.RequestSnapshot, fields []field) []models.Indicator {
		var out []models.Indicator
		anomaly := func(weight float64, location, detail string) {
			out = append(out, models.Indicator{
				Name:     string(models.EventHeaderAnomaly),
				Weight:   weight,
				Location: location,
				Detail:   detail,
			})
		}

		if len(s.Headers) > 0 {
			ua := s.Header("User-Agent")
			if strings.TrimSpace(ua) == "" {
				anomaly(cfg.Weights.MissingUserAgent, "header:User-Agent", "missing user agent")
			} else {
				lower := strings.ToLower(ua)
				for _, scanner := range cfg.ScannerAgents {
					if strings.Contains(lower, strings.ToLower(scanner)) {
						anomaly(cfg.Weights.ScannerAgent, "header:User-Agent", "scanner user agent "+scanner)
						break
					}
				}
			}
		}

		size := 0
		crlf := ""
		for _, name := range sortedKeys(s.Headers) {
			for _, v := range s.Headers[name] {
				size += len(name) + len(v)
				if crlf == "" && strings.ContainsAny(v, "\r\n") {
					crlf = "header:" + name
				}
			}
		}
		if crlf == "" {
			for _, f := range fields {
				if headerInjectionPattern.MatchString(f.value) {
					crlf = f.location
					break
				}
			}
		}
		if crlf != "" {
			anomaly(cfg.Weights.HeaderInjection, crlf, "crlf header injection")
		}
		if cfg.MaxHeaderBytes > 0 && size > cfg.MaxHeaderBytes {
			anomaly(cfg.Weights.OversizedHeader, "headers", "oversized headers")
		}
		return out
	}
}

// structuralHeaders carry credentials or list syntax the signatures misread.
// Cookie is inspected per cookie value instead.
var structuralHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"accept":              true,
	"accept-encoding":     true,
	"accept-language":     true,
	"content-type":        true,
	"content-length":      true,
	"connection":          true,
}

// inspectedFields flattens the path, query, body and headers of a snapshot.
// Values are checked both raw and URL-decoded.
func inspectedFields(s *models.RequestSnapshot) []field {
	var fields []field
	add := func(location, value string) {
		if value == "" {
			return
		}
		fields = append(fields, field{location: location, value: value})
		if decoded, err := url.QueryUnescape(value); err == nil && decoded != value {
			fields = append(fields, field{location: location, value: decoded})
		}
	}

	add("path", s.Path)
	if s.Path == "" && s.URL != "" {
		if u, err := url.Parse(s.URL); err == nil {
			add("path", u.EscapedPath())
		}
	}
	for _, k := range sortedKeys(s.Query) {
		for _, v := range s.Query[k] {
			add("query:"+k, v)
		}
	}
	for _, k := range sortedKeys(s.Body) {
		for _, v := range s.Body[k] {
			add("body:"+k, v)
		}
	}
	for _, k := range sortedKeys(s.Headers) {
		lower := strings.ToLower(k)
		for _, v := range s.Headers[k] {
			switch {
			case lower == "cookie":
				for _, c := range strings.Split(v, ";") {
					name, value, found := strings.Cut(strings.TrimSpace(c), "=")
					if !found {
						value = name
					}
					add("cookie:"+name, value)
				}
			case !structuralHeaders[lower]:
				add("header:"+k, v)
			}
		}
	}
	return fields
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncate keeps at most n bytes of s without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
