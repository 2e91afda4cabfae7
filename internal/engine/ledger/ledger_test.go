package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitacora/internal/domain"
)

type verifier map[string]string

func (v verifier) VerifyCredential(_ context.Context, userID, secret string) (bool, error) {
	return v[userID] == secret, nil
}

func newLedger(requireCredential bool) Ledger {
	n := 0
	return Ledger{
		Verifier:          verifier{"ana": "pw-ana", "ivan": "pw-ivan"},
		RequireCredential: requireCredential,
		Now:               func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("st-%d", n)
		},
	}
}

func approved() domain.LogEntry {
	return domain.LogEntry{
		ID:                  "e-1",
		Status:              domain.StatusApproved,
		AuthorID:            "ana",
		RequiredSignatories: []string{"ana", "ivan"},
	}
}

func TestSummary(t *testing.T) {
	cases := []struct {
		name  string
		tasks []domain.SignatureTask
		want  domain.SignatureSummary
	}{
		{"empty", nil, domain.SignatureSummary{}},
		{"all pending", []domain.SignatureTask{{Status: domain.SignaturePending}, {Status: domain.SignaturePending}}, domain.SignatureSummary{Total: 2, Pending: 2}},
		{"half signed", []domain.SignatureTask{{Status: domain.SignatureSigned}, {Status: domain.SignaturePending}}, domain.SignatureSummary{Total: 2, Signed: 1, Pending: 1}},
		{"complete", []domain.SignatureTask{{Status: domain.SignatureSigned}}, domain.SignatureSummary{Total: 1, Signed: 1, Completed: true}},
		{"declined and cancelled ignored", []domain.SignatureTask{
			{Status: domain.SignatureSigned},
			{Status: domain.SignatureDeclined},
			{Status: domain.SignatureCancelled},
		}, domain.SignatureSummary{Total: 1, Signed: 1, Completed: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Summary(tc.tasks)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got.Total, got.Signed+got.Pending)
		})
	}
}

func TestSignFlow(t *testing.T) {
	l := newLedger(true)
	e := approved()
	s := l.Open(&e)
	assert.Equal(t, domain.SignatureSummary{Total: 2, Pending: 2}, s)

	s, err := l.Sign(context.Background(), &e, "", domain.User{ID: "ana"}, Consent{Consent: true, Secret: "pw-ana"})
	require.NoError(t, err)
	assert.Equal(t, domain.SignatureSummary{Total: 2, Signed: 1, Pending: 1}, s)

	s, err = l.Sign(context.Background(), &e, "", domain.User{ID: "ana"}, Consent{Consent: true, Secret: "pw-ana"})
	require.ErrorIs(t, err, domain.ErrAlreadySigned)
	assert.Equal(t, 1, s.Signed)
	assert.Len(t, e.Signatures, 1)

	s, err = l.Sign(context.Background(), &e, "", domain.User{ID: "ivan"}, Consent{Consent: true, Secret: "pw-ivan"})
	require.NoError(t, err)
	assert.True(t, s.Completed)
	require.Len(t, e.Signatures, 2)
	assert.Equal(t, domain.SignatureSigned, e.Signatures[1].SignatureTaskStatus)
}

func TestSignRejections(t *testing.T) {
	l := newLedger(true)
	e := approved()
	l.Open(&e)
	anaTask := e.SignatureTasks[0].ID

	_, err := l.Sign(context.Background(), &e, anaTask, domain.User{ID: "ivan"}, Consent{Consent: true, Secret: "pw-ivan"})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = l.Sign(context.Background(), &e, "", domain.User{ID: "carla"}, Consent{Consent: true})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = l.Sign(context.Background(), &e, "", domain.User{ID: "ana"}, Consent{Consent: false, Secret: "pw-ana"})
	require.ErrorIs(t, err, domain.ErrInvalidConsent)

	_, err = l.Sign(context.Background(), &e, "", domain.User{ID: "ana"}, Consent{Consent: true, Secret: "wrong"})
	require.ErrorIs(t, err, domain.ErrInvalidConsent)

	assert.Empty(t, e.Signatures)
	assert.Equal(t, 2, Summary(e.SignatureTasks).Pending)
}

func TestConsentOnlyWhenCredentialNotRequired(t *testing.T) {
	l := newLedger(false)
	e := approved()
	l.Open(&e)
	s, err := l.Sign(context.Background(), &e, "", domain.User{ID: "ivan"}, Consent{Consent: true})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Signed)
}

func TestAddSignatoryReopensCompletion(t *testing.T) {
	l := newLedger(false)
	e := approved()
	e.RequiredSignatories = []string{"ana"}
	l.Open(&e)
	s, err := l.Sign(context.Background(), &e, "", domain.User{ID: "ana"}, Consent{Consent: true})
	require.NoError(t, err)
	require.True(t, s.Completed)

	s, err = l.AddSignatory(&e, "ivan")
	require.NoError(t, err)
	assert.Equal(t, domain.SignatureSummary{Total: 2, Signed: 1, Pending: 1}, s)

	_, err = l.AddSignatory(&e, "ivan")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestOpenIsIdempotentAndClearKeepsSignatures(t *testing.T) {
	l := newLedger(false)
	e := approved()
	l.Open(&e)
	l.Open(&e)
	require.Len(t, e.SignatureTasks, 2)

	_, err := l.Sign(context.Background(), &e, "", domain.User{ID: "ana"}, Consent{Consent: true})
	require.NoError(t, err)
	l.Clear(&e)
	assert.Empty(t, e.SignatureTasks)
	assert.Len(t, e.Signatures, 1)
	assert.Equal(t, domain.SignatureSummary{}, Summary(e.SignatureTasks))
}
