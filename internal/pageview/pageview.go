// Package pageview reports the initial page view and every client-side
// route change after it.
package pageview

import "net/url"

// Route is where the page currently is.
type Route struct {
	Href     string `json:"href"`
	Title    string `json:"title"`
	Referrer string `json:"referrer"`
}

// path is origin plus pathname; query and fragment changes are not views.
func (r Route) path() string {
	u, err := url.Parse(r.Href)
	if err != nil {
		return r.Href
	}
	return u.Scheme + "://" + u.Host + u.Path
}

type UserInfo struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// View is the page_view payload.
type View struct {
	UserInfo          *UserInfo      `json:"userInfo"`
	Location          string         `json:"location"`
	Language          string         `json:"language"`
	OtherPageViewData map[string]any `json:"otherPageViewData"`
	From              string         `json:"from"`
	Href              string         `json:"href"`
	Title             string         `json:"title"`
}

type Config struct {
	Location string
	Language string
	User     *UserInfo
	OnReport func(View)
}

type Reporter struct {
	cfg     Config
	base    View
	last    string
	started bool
}

func New(cfg Config) *Reporter {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Reporter{cfg: cfg}
}

// Start reports the landing view with the document referrer as its source.
func (r *Reporter) Start(route Route) {
	r.base = View{
		UserInfo:          r.cfg.User,
		Location:          r.cfg.Location,
		Language:          r.cfg.Language,
		OtherPageViewData: map[string]any{},
		From:              route.Referrer,
		Href:              route.Href,
		Title:             route.Title,
	}
	r.last = route.path()
	r.started = true
	r.report(r.base)
}

// Navigate reports a new view when the origin or pathname changed since the
// last one, with the previous path as its source.
func (r *Reporter) Navigate(route Route) bool {
	if !r.started {
		r.Start(route)
		return true
	}
	current := route.path()
	if current == r.last {
		return false
	}
	v := r.base
	v.From = r.last
	v.Href = route.Href
	v.Title = route.Title
	r.last = current
	r.report(v)
	return true
}

func (r *Reporter) report(v View) {
	if r.cfg.OnReport != nil {
		r.cfg.OnReport(v)
	}
}
