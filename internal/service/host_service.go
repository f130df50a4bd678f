package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ip2tor/shop/internal/models"
)

// HostService serves host listings and records host check-ins.
type HostService struct {
	hosts HostStore
	audit AuditLog
	now   func() time.Time
}

func NewHostService(hosts HostStore, auditLog AuditLog) *HostService {
	return &HostService{hosts: hosts, audit: auditLog, now: time.Now}
}

// SetClock replaces the time source.
func (s *HostService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *HostService) Now() time.Time {
	return s.now()
}

func (s *HostService) List(ctx context.Context) ([]*models.Host, error) {
	return s.hosts.List(ctx)
}

func (s *HostService) Get(ctx context.Context, id string) (*models.Host, error) {
	return s.hosts.GetByID(ctx, id)
}

// CheckIn stores a liveness report of a host. Only status changes are audited.
func (s *HostService) CheckIn(ctx context.Context, hostID, status, message string) (*models.Host, error) {
	ci, err := models.ParseCheckInStatus(status)
	if err != nil {
		return nil, &ValidationError{Field: "ci_status", Reason: err.Error()}
	}
	host, err := s.hosts.GetByID(ctx, hostID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.hosts.CheckIn(ctx, hostID, ci, message, now); err != nil {
		return nil, fmt.Errorf("check in host %s: %w", hostID, err)
	}
	if host.CheckInDate == nil || host.CheckInStatus != ci {
		audit(ctx, s.audit, models.ObjectHost, hostID, models.ActorHost, fmt.Sprintf("check-in %s: %s", ci, message))
	}

	host.CheckInDate = &now
	host.CheckInStatus = ci
	host.CheckInMessage = message
	return host, nil
}
