package handlers

import "context"

// contextKey тип для ключей контекста
type contextKey string

const (
	// TechnicianKey ключ для хранения имени техника в контексте
	TechnicianKey contextKey = "technician"
	// SiteKey ключ для хранения площадки техника по умолчанию в контексте
	SiteKey contextKey = "site"
)

// WithTechnician returns a context carrying the authenticated technician
func WithTechnician(ctx context.Context, technician, site string) context.Context {
	ctx = context.WithValue(ctx, TechnicianKey, technician)
	return context.WithValue(ctx, SiteKey, site)
}

// GetTechnician извлекает имя техника из контекста запроса
func GetTechnician(ctx context.Context) (string, bool) {
	technician, ok := ctx.Value(TechnicianKey).(string)
	return technician, ok && technician != ""
}

// GetSite извлекает площадку техника из контекста запроса
func GetSite(ctx context.Context) string {
	site, _ := ctx.Value(SiteKey).(string)
	return site
}
