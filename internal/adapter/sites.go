package adapter

// Site keys for the five tracked marketplaces.
const (
	SiteRomprod       = "romprod"
	SiteMastersale    = "mastersale"
	SiteMaxyWholesale = "maxywholesale"
	SiteRomegaFoods   = "romegafoods"
	SiteFoodex        = "foodex"
)

// SiteOrder fixes the sequence sites are visited in during a run.
var SiteOrder = []string{
	SiteRomprod,
	SiteMastersale,
	SiteMaxyWholesale,
	SiteRomegaFoods,
	SiteFoodex,
}

// ManualOnlySite requires a human-initiated session; automated runs
// against it are rejected before any session opens.
const ManualOnlySite = SiteFoodex

// SessionExcludedSite must authenticate fresh every run; its session is
// never persisted or restored.
const SessionExcludedSite = SiteMaxyWholesale

// Default vocabularies for classifying unit-select options. A site can
// override either list on its SiteSpec.
var (
	DefaultUnitVocab = []string{"unit", "pc", "piece", "each", "single"}
	DefaultPackVocab = []string{"box", "case", "carton", "pack"}
)

// SiteSpec is the declarative per-site scraping configuration: ordered
// selector-candidate lists consumed by the shared probing and extraction
// helpers. First match wins everywhere.
type SiteSpec struct {
	Key       string
	Name      string
	BaseURL   string
	LoginPath string

	UserSelectors   []string
	PassSelectors   []string
	SubmitSelectors []string

	// LogoutMarkers indicate an authenticated page.
	LogoutMarkers []string

	DefaultPriceSelectors []string
	PackInfoSelectors     []string
	UnitSelectSelectors   []string

	// UnitVocab and PackVocab classify unit-select options by their label
	// or value. Empty means the package defaults.
	UnitVocab []string
	PackVocab []string

	// Search-driven sites submit a query instead of opening a product URL.
	SearchCardSelector string
}

func (s SiteSpec) unitVocab() []string {
	if len(s.UnitVocab) > 0 {
		return s.UnitVocab
	}
	return DefaultUnitVocab
}

func (s SiteSpec) packVocab() []string {
	if len(s.PackVocab) > 0 {
		return s.PackVocab
	}
	return DefaultPackVocab
}

// Sites holds the fixed marketplace definitions.
var Sites = map[string]SiteSpec{
	SiteRomprod: {
		Key:       SiteRomprod,
		Name:      "Romprod",
		BaseURL:   "https://romprod.uk",
		LoginPath: "/my-account/",
		UserSelectors: []string{
			`input#username`, `input[name="username"]`, `input[name="login"]`, `input[type="email"]`,
		},
		PassSelectors: []string{
			`input#password[type="password"]`, `input[name="password"][type="password"]`,
		},
		SubmitSelectors: []string{
			`button.woocommerce-form-login__submit`, `button[type="submit"]`, `input[type="submit"]`,
		},
		LogoutMarkers: []string{`a[href*="customer-logout"]`},
		DefaultPriceSelectors: []string{
			`span.woocommerce-Price-amount bdi`,
			`.elementor-widget-woocommerce-product-price p span`,
			`p.price span`,
			`span.woocommerce-Price-amount`,
		},
	},
	SiteMastersale: {
		Key:       SiteMastersale,
		Name:      "Mastersale",
		BaseURL:   "https://mastersale.eu",
		LoginPath: "/users/login",
		UserSelectors: []string{
			`input[type="email"]`, `input[name*="email" i]`, `input[name*="login" i]`,
			`input[name*="user" i]`, `input[type="text"]`,
		},
		PassSelectors: []string{`input[type="password"]`},
		SubmitSelectors: []string{
			`button.btn.btn-primary.login-button`, `button[type="submit"]`, `input[type="submit"]`,
		},
		LogoutMarkers: []string{`a[href*="logout"]`},
		DefaultPriceSelectors: []string{
			`.price-netto`, `.price`, `span.price`, `[data-test="price"]`,
		},
	},
	SiteMaxyWholesale: {
		Key:       SiteMaxyWholesale,
		Name:      "Maxy Wholesale",
		BaseURL:   "https://maxywholesale.com",
		LoginPath: "/order/",
		UserSelectors: []string{
			`input#eMail[name="eMail"]`, `input[type="email"]`, `input[name="eMail"]`,
			`input[placeholder*="mail" i]`,
		},
		PassSelectors: []string{
			`input#PassCode[type="password"]`, `input[name="PassCode"]`, `input[type="password"]`,
			`input[placeholder*="password" i]`,
		},
		SubmitSelectors: []string{
			`button.btn.btn-success`, `button[name="login"]`, `button[type="submit"]`, `input[type="submit"]`,
		},
		LogoutMarkers: []string{
			`a[href*="log-out"]`, `a[href*="logout"]`,
		},
		DefaultPriceSelectors: []string{
			`h1[class*="price"]`, `[class*="priceDetails_price__"]`,
		},
		PackInfoSelectors: []string{
			`[class*="product_boxInfo"]`, `.qtySizeText`,
		},
		UnitSelectSelectors: []string{
			`select#productUnit`, `select[name="productUnit"]`,
		},
		SearchCardSelector: `.productArea.simpleCart_shelfItem`,
	},
	SiteRomegaFoods: {
		Key:       SiteRomegaFoods,
		Name:      "Romega Foods",
		BaseURL:   "https://romegafoods.co.uk",
		LoginPath: "/login?redirect_url=/my-account",
		UserSelectors: []string{
			`form[action*="/login"] input[name="email"]`,
			`input[class*="login_loginUserClass"] input`, `input[class*="login_loginUserClass"]`,
			`input#username`, `input[name="username"]`, `input[type="email"]`,
		},
		PassSelectors: []string{
			`form[action*="/login"] input[name="password"]`,
			`input[class*="login_loginPasswordClass"] input`, `input[class*="login_loginPasswordClass"]`,
			`input#password`, `input[type="password"]`,
		},
		SubmitSelectors: []string{
			`form[action*="/login"] button[type="submit"]`,
			`button[class*="login_loginButtonClass"]`, `button[class*="login_loginButton"]`,
		},
		LogoutMarkers: []string{`a[href*="logout"]`},
		DefaultPriceSelectors: []string{
			`h1[class*="priceDetails_price"]`, `h1[class*="price"]`,
		},
		PackInfoSelectors: []string{`[class*="product_boxInfo"]`},
		UnitSelectSelectors: []string{
			`select#productUnit`, `select[name="productUnit"]`,
		},
	},
	SiteFoodex: {
		Key:       SiteFoodex,
		Name:      "Foodex London",
		BaseURL:   "https://foodex.london",
		LoginPath: "/login/",
		UserSelectors: []string{
			`input#username`, `input[name="username"]`, `input[type="email"]`, `input[name*="login" i]`,
		},
		PassSelectors: []string{
			`input#password[type="password"]`, `input[name="password"][type="password"]`,
		},
		SubmitSelectors: []string{
			`button[name="login"]`, `button.woocommerce-form-login__submit`,
			`button[type="submit"]`, `input[type="submit"]`,
		},
		LogoutMarkers: []string{`a[href*="logout"]`},
		DefaultPriceSelectors: []string{
			`td.price`, `h1[class*="price"]`,
		},
		PackInfoSelectors: []string{`[class*="product_boxInfo"]`},
		UnitSelectSelectors: []string{
			`select#productUnit`, `select[name="productUnit"]`,
		},
	},
}

// AccountURL returns the absolute login/account URL for a spec.
func (s SiteSpec) AccountURL() string {
	return s.BaseURL + s.LoginPath
}
