package cli

import (
	"fmt"
	"text/template"
	"time"
)

var templateFuncs = template.FuncMap{
	"ts": func(t interface{}) string {
		switch v := t.(type) {
		case time.Time:
			if v.IsZero() {
				return "-"
			}
			return v.Local().Format("2006-01-02 15:04:05")
		case *time.Time:
			if v == nil || v.IsZero() {
				return "-"
			}
			return v.Local().Format("2006-01-02 15:04:05")
		}
		return fmt.Sprint(t)
	},
	"date": leaseDate,
}

const assetTemplate = `
=== Asset {{.Tag}} ===

Serial:     {{.Serial}}
Status:     {{.Status}}{{if .AssignedTechnician}} ({{.AssignedTechnician}}){{end}}
Site:       {{.Site}}
{{- if .Model }}
Model:      {{.Manufacturer}} {{.Model}}
{{- end}}
{{- if .Hostname }}
Hostname:   {{.Hostname}}
{{- end}}
{{- if .Location }}
Location:   {{.Location}}
{{- end}}
{{- if .Flagged }}
Flagged:    {{ts .FlaggedAt}} by {{.FlagTechnician}}{{if .FlagNotes}}: {{.FlagNotes}}{{end}}
{{- end}}
{{- if .Inactive }}
Inactive:   yes
{{- end}}
{{- if or .LeaseStart .LeaseMaturity }}
Lease:      {{date .LeaseStart}} → {{date .LeaseMaturity}}{{with .LeaseDaysRemaining}} ({{.}} days left){{end}}{{if .ExpiryFlagged}}  ⚠️  expiring{{end}}
{{- end}}
{{- if .Notes }}
Notes:      {{.Notes}}
{{- end}}
Last event: {{ts .LastEventTimestamp}}
{{- if .CMDBURL }}
CMDB:       {{.CMDBURL}}
{{- end}}
`

const statusTemplate = `=== Agent Status ===

Connection:  {{.Role}}{{if .Endpoint}} ({{.Endpoint}}){{end}}
{{- if .LatencyMS }}
Latency:     {{.LatencyMS}} ms
{{- end}}
Last probe:  {{ts .LastProbeTime}}
Queue:       {{.QueueDepth}} pending{{if .Alert}}  ⚠️  queue is growing, check connectivity{{end}}
Conflicts:   {{.Conflicts}}
{{- if .LastError }}
Last error:  {{.LastError}}
{{- end}}
`

const conflictTemplate = `
--- Conflict {{.OperationID}} ---
Asset:     {{.AssetTag}}
Detected:  {{ts .DetectedAt}}
Reason:    {{.Reason}}
{{- if .LocalEvent }}
Local:     {{.LocalEvent.Type}} by {{.LocalEvent.Technician}} at {{.LocalEvent.Site}}, {{ts .LocalEvent.ClientTimestamp}}
{{- else if .AnnotationKind }}
Local:     {{.AnnotationKind}}
{{- end}}
{{- if .ServerEvent }}
Server:    {{.ServerEvent.Type}} by {{.ServerEvent.Technician}} at {{.ServerEvent.Site}}, {{ts .ServerEvent.ServerTimestamp}}
{{- end}}
{{- if .ServerAsset }}
Now:       {{.ServerAsset.Status}} at {{.ServerAsset.Site}}
{{- end}}
`

var (
	assetTmpl    = template.Must(template.New("asset").Funcs(templateFuncs).Parse(assetTemplate))
	statusTmpl   = template.Must(template.New("status").Funcs(templateFuncs).Parse(statusTemplate))
	conflictTmpl = template.Must(template.New("conflict").Funcs(templateFuncs).Parse(conflictTemplate))
)
