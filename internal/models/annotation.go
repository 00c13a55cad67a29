package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnnotationKind вид пометки актива
type AnnotationKind string

const (
	AnnotationFlag       AnnotationKind = "FLAG"
	AnnotationUnflag     AnnotationKind = "UNFLAG"
	AnnotationNotes      AnnotationKind = "NOTES"
	AnnotationDeactivate AnnotationKind = "DEACTIVATE"
	AnnotationLease      AnnotationKind = "LEASE"
)

// Annotation изменение актива, не затрагивающее site/status:
// флаг, снятие флага, заметки, пометка неактивным, даты аренды.
type Annotation struct {
	ClientTimestamp time.Time      `json:"client_timestamp"`
	ServerTimestamp *time.Time     `json:"server_timestamp,omitempty"`
	LeaseStart      *time.Time     `json:"lease_start,omitempty"`    // только для LEASE
	LeaseMaturity   *time.Time     `json:"lease_maturity,omitempty"` // только для LEASE
	ID              string         `json:"annotation_id"`
	AssetTag        string         `json:"asset_tag"`
	Technician      string         `json:"technician"`
	Kind            AnnotationKind `json:"kind"`
	Text            string         `json:"text,omitempty"`
	DependsOn       string         `json:"depends_on,omitempty"` // DependsOn событие, вместе с которым пометка была создана
}

// NewAnnotation creates an annotation with a fresh client-generated ID.
func NewAnnotation(tag, technician string, kind AnnotationKind, text string, now time.Time) *Annotation {
	return &Annotation{
		ID:              uuid.New().String(),
		AssetTag:        tag,
		Technician:      technician,
		Kind:            kind,
		Text:            text,
		ClientTimestamp: now.UTC(),
	}
}

// NewLeaseAnnotation creates a LEASE annotation. A nil date leaves the
// asset's current value unchanged.
func NewLeaseAnnotation(tag, technician string, start, maturity *time.Time, now time.Time) *Annotation {
	an := NewAnnotation(tag, technician, AnnotationLease, "", now)
	an.LeaseStart = dateOnly(start)
	an.LeaseMaturity = dateOnly(maturity)
	return an
}

func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := civilDate(*t)
	return &d
}

// Validate checks the mandatory fields.
func (an *Annotation) Validate() error {
	switch {
	case an == nil:
		return fmt.Errorf("%w: nil annotation", ErrInvalidEvent)
	case an.ID == "":
		return fmt.Errorf("%w: empty annotation_id", ErrInvalidEvent)
	case an.AssetTag == "":
		return fmt.Errorf("%w: empty asset_tag", ErrInvalidEvent)
	case an.Technician == "":
		return fmt.Errorf("%w: empty technician", ErrInvalidEvent)
	}

	switch an.Kind {
	case AnnotationFlag, AnnotationUnflag, AnnotationNotes, AnnotationDeactivate:
		return nil
	case AnnotationLease:
		switch {
		case an.LeaseStart == nil && an.LeaseMaturity == nil:
			return fmt.Errorf("%w: lease annotation without dates", ErrInvalidEvent)
		case an.LeaseStart != nil && an.LeaseMaturity != nil && an.LeaseMaturity.Before(*an.LeaseStart):
			return fmt.Errorf("%w: lease maturity before lease start", ErrInvalidEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown annotation kind %q", ErrInvalidEvent, an.Kind)
	}
}

// ApplyTo updates the annotation fields of the asset. Site and status are
// never touched here.
func (an *Annotation) ApplyTo(a *Asset, ts time.Time) {
	t := ts.UTC()
	switch an.Kind {
	case AnnotationFlag:
		a.Flagged = true
		a.FlagNotes = an.Text
		a.FlagTechnician = an.Technician
		a.FlaggedAt = &t
	case AnnotationUnflag:
		a.Flagged = false
		a.FlagNotes = ""
		a.FlagTechnician = ""
		a.FlaggedAt = nil
	case AnnotationNotes:
		a.Notes = an.Text
	case AnnotationDeactivate:
		a.Inactive = true
	case AnnotationLease:
		if an.LeaseStart != nil {
			d := *an.LeaseStart
			a.LeaseStart = &d
		}
		if an.LeaseMaturity != nil {
			d := *an.LeaseMaturity
			a.LeaseMaturity = &d
		}
		a.RefreshExpiry(t)
	}
	a.UpdatedAt = t
}

// Clone returns a copy of the annotation.
func (an *Annotation) Clone() *Annotation {
	if an == nil {
		return nil
	}
	c := *an
	if an.ServerTimestamp != nil {
		t := *an.ServerTimestamp
		c.ServerTimestamp = &t
	}
	c.LeaseStart = dateOnly(an.LeaseStart)
	c.LeaseMaturity = dateOnly(an.LeaseMaturity)
	return &c
}
