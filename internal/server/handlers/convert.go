package handlers

import (
	"time"

	"github.com/iudanet/benchkeeper/internal/client/inventory"
	clientsync "github.com/iudanet/benchkeeper/internal/client/sync"
	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/pkg/api"
)

func toAPIAsset(a *models.Asset) api.Asset {
	return toAPIAssetAt(a, time.Now())
}

// toAPIAssetAt заполняет остаток дней аренды относительно now
func toAPIAssetAt(a *models.Asset, now time.Time) api.Asset {
	if a == nil {
		return api.Asset{}
	}
	out := api.Asset{
		FlaggedAt:          a.FlaggedAt,
		LastEventTimestamp: a.LastEventTimestamp,
		LeaseStart:         a.LeaseStart,
		LeaseMaturity:      a.LeaseMaturity,
		UpdatedAt:          a.UpdatedAt,
		Tag:                a.Tag,
		Serial:             a.Serial,
		Site:               a.Site,
		Status:             string(a.Status),
		AssignedTechnician: a.AssignedTechnician,
		Notes:              a.Notes,
		FlagNotes:          a.FlagNotes,
		FlagTechnician:     a.FlagTechnician,
		Hostname:           a.Hostname,
		Manufacturer:       a.Manufacturer,
		Model:              a.Model,
		Location:           a.Location,
		CMDBURL:            a.CMDBURL,
		LastEventID:        a.LastEventID,
		Flagged:            a.Flagged,
		Inactive:           a.Inactive,
		ExpiryFlagged:      a.ExpiryFlagged,
	}
	if days, ok := a.LeaseDaysRemaining(now); ok {
		out.LeaseDaysRemaining = &days
	}
	return out
}

func toAPIAssets(assets []*models.Asset) []api.Asset {
	out := make([]api.Asset, 0, len(assets))
	for _, a := range assets {
		out = append(out, toAPIAsset(a))
	}
	return out
}

func toAPIEvents(events []*models.CheckEvent) []api.Event {
	out := make([]api.Event, 0, len(events))
	for _, e := range events {
		out = append(out, toAPIEvent(e))
	}
	return out
}

func toAPILeaseImport(s *inventory.LeaseImportSummary) api.LeaseImportResponse {
	resp := api.LeaseImportResponse{
		NotFound:  s.NotFound,
		Errors:    make([]api.LeaseRowError, 0, len(s.Errors)),
		Total:     s.Total,
		Updated:   s.Updated,
		Unchanged: s.Unchanged,
		Skipped:   s.Skipped,
		DryRun:    s.DryRun,
	}
	if resp.NotFound == nil {
		resp.NotFound = []string{}
	}
	for _, e := range s.Errors {
		resp.Errors = append(resp.Errors, api.LeaseRowError{Serial: e.Serial, Message: e.Message, Row: e.Row})
	}
	return resp
}

func toAPIEvent(e *models.CheckEvent) api.Event {
	return api.Event{
		ClientTimestamp: e.ClientTimestamp,
		ServerTimestamp: e.ServerTimestamp,
		EventID:         e.ID,
		AssetTag:        e.AssetTag,
		Technician:      e.Technician,
		Type:            string(e.Type),
		Site:            e.Site,
		Notes:           e.Notes,
	}
}

func toAPIConflict(op *models.PendingOperation) api.Conflict {
	c := api.Conflict{
		OperationID: op.ID(),
		AssetTag:    op.AssetTag(),
		Kind:        string(op.Kind),
	}
	if op.Event != nil {
		ev := toAPIEvent(op.Event)
		c.LocalEvent = &ev
	}
	if op.Annotation != nil {
		c.AnnotationKind = string(op.Annotation.Kind)
	}
	if op.Conflict != nil {
		c.DetectedAt = op.Conflict.DetectedAt
		c.Reason = op.Conflict.Reason
		if op.Conflict.ServerAsset != nil {
			a := toAPIAsset(op.Conflict.ServerAsset)
			c.ServerAsset = &a
		}
		if op.Conflict.ServerEvent != nil {
			ev := toAPIEvent(op.Conflict.ServerEvent)
			c.ServerEvent = &ev
		}
	}
	return c
}

func toAPIStatus(st clientsync.Status) api.Status {
	return api.Status{
		UpdatedAt:           st.UpdatedAt,
		LastProbeTime:       st.Endpoint.LastProbeTime,
		Endpoint:            st.Endpoint.Name,
		Role:                st.Role,
		LastError:           st.LastError,
		QueueDepth:          st.QueueDepth,
		Conflicts:           st.Conflicts,
		ConsecutiveFailures: st.Endpoint.ConsecutiveFailures,
		LatencyMS:           st.Endpoint.Latency.Milliseconds(),
		Alert:               st.Alert,
	}
}
