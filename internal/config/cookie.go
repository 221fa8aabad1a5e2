package config

import (
	"errors"
	"fmt"
	"net/http"
)

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

var sameSiteModes = map[CookieSameSite]http.SameSite{
	CookieSameSiteNone:   http.SameSiteNoneMode,
	CookieSameSiteLax:    http.SameSiteLaxMode,
	CookieSameSiteStrict: http.SameSiteStrictMode,
}

// CookieTemplate describes every attribute of a cookie except its value.
// A zero MaxAge makes it a browser-session cookie.
type CookieTemplate struct {
	Name     string         `yaml:"name" default:"smart_tab"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path" default:"/"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure" default:"true"`
	SameSite CookieSameSite `yaml:"sameSite" default:"Lax"`
	HTTPOnly bool           `yaml:"httpOnly" default:"true"`
}

// Validate rejects templates browsers would refuse to store.
func (ct *CookieTemplate) Validate() error {
	if ct.Name == "" {
		return errors.New("name is required")
	}
	if _, ok := sameSiteModes[ct.SameSite]; !ok && ct.SameSite != "" {
		return fmt.Errorf("unknown sameSite %q", ct.SameSite)
	}
	if ct.SameSite == CookieSameSiteNone && !ct.Secure {
		return errors.New("sameSite None requires a secure cookie")
	}

	return nil
}

func (ct *CookieTemplate) ToCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     ct.Name,
		Value:    value,
		MaxAge:   ct.MaxAge,
		Path:     ct.Path,
		Domain:   ct.Domain,
		Secure:   ct.Secure,
		HttpOnly: ct.HTTPOnly,
		SameSite: sameSiteModes[ct.SameSite],
	}
}

// Expired returns a cookie that makes the browser drop the current one.
func (ct *CookieTemplate) Expired() *http.Cookie {
	c := ct.ToCookie("")
	c.MaxAge = -1

	return c
}
