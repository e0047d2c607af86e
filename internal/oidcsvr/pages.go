package oidcsvr

import (
	"embed"
	"html/template"
	"net/url"

	"lds.li/grantidp/internal/model"
	"lds.li/web"
	"lds.li/web/httperror"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

var pages = map[string]*template.Template{}

func init() {
	for _, name := range []string{"formpost", "consent", "device", "message", "loggedout"} {
		pages[name] = template.Must(template.ParseFS(templateFS, "templates/layout.html.tmpl", "templates/"+name+".html.tmpl"))
	}
}

type formPostPage struct {
	Action string
	Params url.Values
}

type consentScope struct {
	Name        string
	DisplayName string
	Required    bool
}

type consentPage struct {
	Action        string
	ClientName    string
	Request       string
	Scopes        []consentScope
	AllowRemember bool
}

type devicePage struct {
	Action     string
	UserCode   string
	ClientName string
	Pending    *model.DeviceCode
}

type messagePage struct {
	Title   string
	Message string
}

type loggedOutPage struct {
	RedirectURL      string
	FrontChannelURLs []string
}

func render(w web.ResponseWriter, r *web.Request, name string, data any) error {
	w.Header().Set("Cache-Control", "no-store")
	return w.WriteResponse(r, &web.TemplateResponse{
		Templates: pages[name],
		Name:      name + ".html.tmpl",
		Data:      data,
	})
}

// loginRequiredErr is shown when a browser arrives without a session and
// without a credential the Authenticator accepts.
func loginRequiredErr() error {
	return httperror.ForbiddenErrf("%s: sign in through your organization's portal and try again", model.ErrorLoginRequired)
}
