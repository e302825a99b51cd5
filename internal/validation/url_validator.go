package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/veranemoloko/download-queue/internal/domain"
	errpkg "github.com/veranemoloko/download-queue/internal/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("safe_url", validateSafeURL)
}

// ValidateRequest checks a submission's struct tags and, unless private hosts
// are allowed, rejects URLs that point at loopback or private addresses.
func ValidateRequest(req domain.SubmitRequest, allowPrivate bool) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", errpkg.ErrInvalidRequest, err)
	}
	if allowPrivate {
		return nil
	}
	return ValidateURL(req.URL)
}

// ValidateURL rejects non-http(s) URLs and URLs aimed at internal hosts.
func ValidateURL(u string) error {
	if err := validate.Var(u, "required,safe_url"); err != nil {
		return fmt.Errorf("%w: invalid URL %q: %v", errpkg.ErrInvalidRequest, u, err)
	}
	return nil
}

func validateSafeURL(fl validator.FieldLevel) bool {
	urlStr := fl.Field().String()

	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	host := u.Hostname()

	forbiddenHosts := []string{
		"localhost",
		"127.0.0.1",
		"::1",
		"0.0.0.0",
		"169.254.169.254",
	}

	for _, forbidden := range forbiddenHosts {
		if strings.EqualFold(host, forbidden) {
			return false
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return false
		}
	}

	return true
}
