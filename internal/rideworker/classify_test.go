package rideworker

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, origin string) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = origin
	require.NoError(t, cfg.applyDefaults())
	return cfg
}

func TestClassify(t *testing.T) {
	c := NewClassifier(testConfig(t, "http://origin.test"))

	tests := []struct {
		name   string
		method string
		url    string
		want   RequestClass
	}{
		{"post is bypassed", http.MethodPost, "/api/bookings", ClassBypass},
		{"put is bypassed", http.MethodPut, "/", ClassBypass},
		{"delete is bypassed", http.MethodDelete, "/api/rides/1", ClassBypass},
		{"non-http scheme is bypassed", http.MethodGet, "ftp://host/file.css", ClassBypass},
		{"chrome extension scheme is bypassed", http.MethodGet, "chrome-extension://abc/x.js", ClassBypass},

		{"stylesheet", http.MethodGet, "/css/app.css", ClassStaticAsset},
		{"script", http.MethodGet, "/js/app.js", ClassStaticAsset},
		{"image", http.MethodGet, "/img/logo.png", ClassStaticAsset},
		{"font", http.MethodGet, "/fonts/inter.woff2", ClassStaticAsset},
		{"uppercase path still matches extension", http.MethodGet, "/IMG/LOGO.PNG", ClassStaticAsset},
		{"asset with query", http.MethodGet, "/css/app.css?v=3", ClassStaticAsset},
		{"shell root", http.MethodGet, "/", ClassStaticAsset},
		{"shell html entry", http.MethodGet, "/index.html", ClassStaticAsset},
		{"manifest", http.MethodGet, "/manifest.json", ClassStaticAsset},
		{"cdn host", http.MethodGet, "https://fonts.googleapis.com/css?family=Roboto", ClassStaticAsset},
		{"cdn font host", http.MethodGet, "https://fonts.gstatic.com/s/inter/v12/x", ClassStaticAsset},

		{"api prefix", http.MethodGet, "/api/rides/search?from=a&to=b", ClassAPICall},
		{"api bookings", http.MethodGet, "/api/bookings", ClassAPICall},
		{"warm path", http.MethodGet, "/api/profile", ClassAPICall},

		{"navigation", http.MethodGet, "/about", ClassOther},
		{"deep link", http.MethodGet, "/rides/42", ClassOther},
		{"unknown external host", http.MethodGet, "https://example.com/page", ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			require.Equal(t, tt.want, c.Classify(tt.method, u))
		})
	}
}

func TestClassifyNilURLDefaultsToOther(t *testing.T) {
	c := NewClassifier(testConfig(t, "http://origin.test"))
	require.Equal(t, ClassOther, c.Classify(http.MethodGet, nil))
}
