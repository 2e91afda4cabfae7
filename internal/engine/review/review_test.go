package review

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitacora/internal/domain"
	"bitacora/internal/engine/auth"
)

var (
	author  = domain.User{ID: "ana", ProjectRole: domain.RoleResident, AppRole: domain.AppRoleEditor, Entity: domain.EntityInterventoria}
	ivan    = domain.User{ID: "ivan", ProjectRole: domain.RoleInterventor, AppRole: domain.AppRoleEditor, Entity: domain.EntityInterventoria}
	carla   = domain.User{ID: "carla", ProjectRole: domain.RoleContractorRep, AppRole: domain.AppRoleEditor, Entity: domain.EntityContratista}
	idu     = domain.User{ID: "idu", ProjectRole: domain.RoleSupervisor, AppRole: domain.AppRoleEditor, Entity: domain.EntityIDU}
	partyIn = domain.PartyInterventoria
)

func newResolver() Resolver {
	n := 0
	return Resolver{
		Now: func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("rt-%d", n)
		},
	}
}

func draft() domain.LogEntry {
	return domain.LogEntry{
		ID:                  "e-1",
		Status:              domain.StatusDraft,
		AuthorID:            author.ID,
		RequiredSignatories: []string{author.ID, ivan.ID},
	}
}

func TestParallelReviewCompletesInAnyOrder(t *testing.T) {
	r := newResolver()
	e := draft()
	require.NoError(t, r.CreateReviewObligations(&e, author, auth.For(author), Request{Policy: domain.PolicyParallel}))
	require.Len(t, e.ReviewTasks(), 2)
	assert.Nil(t, e.PendingReviewBy())
	assert.False(t, r.IsReviewSatisfied(e))

	out, err := r.RecordAction(&e, ivan, Verdict{Kind: VerdictApprove})
	require.NoError(t, err)
	assert.False(t, out.Satisfied)
	assert.True(t, r.Addressed(e, author))
	assert.False(t, r.Addressed(e, ivan))

	out, err = r.RecordAction(&e, author, Verdict{Kind: VerdictComment, Comment: "Revisar cotas del eje 4"})
	require.NoError(t, err)
	assert.True(t, out.Satisfied)
	assert.True(t, r.IsReviewSatisfied(e))
	require.Len(t, e.ReviewComments(), 1)
	assert.Equal(t, "ana", e.ReviewComments()[0].AuthorID)
}

func TestParallelReviewReplayAndLateComments(t *testing.T) {
	r := newResolver()
	e := draft()
	require.NoError(t, r.CreateReviewObligations(&e, author, auth.For(author), Request{Policy: domain.PolicyParallel, ExcludeAuthor: true}))
	require.Len(t, e.ReviewTasks(), 1, "author excluded on request")

	_, err := r.RecordAction(&e, ivan, Verdict{Kind: VerdictApprove})
	require.NoError(t, err)

	out, err := r.RecordAction(&e, ivan, Verdict{Kind: VerdictApprove})
	require.ErrorIs(t, err, domain.ErrAlreadyReviewed)
	assert.True(t, out.Satisfied)

	out, err = r.RecordAction(&e, ivan, Verdict{Kind: VerdictComment, Comment: "Nota adicional"})
	require.NoError(t, err)
	assert.True(t, out.Informational)
	assert.Equal(t, domain.ReviewCompleted, e.ReviewTasks()[0].Status)
	assert.Len(t, e.ReviewComments(), 1)

	_, err = r.RecordAction(&e, carla, Verdict{Kind: VerdictApprove})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = r.RecordAction(&e, ivan, Verdict{Kind: VerdictComment})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestParallelReviewRejectsUnknownReviewer(t *testing.T) {
	r := newResolver()
	e := draft()
	err := r.CreateReviewObligations(&e, author, auth.For(author), Request{Policy: domain.PolicyParallel, Reviewers: []string{"nobody"}})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Nil(t, e.Review)
}

func TestHandoffReview(t *testing.T) {
	r := newResolver()
	e := draft()
	require.NoError(t, r.CreateReviewObligations(&e, carla, auth.For(carla), Request{Policy: domain.PolicyHandoff, Target: domain.PartyInterventoria}))
	require.NotNil(t, e.PendingReviewBy())
	assert.Equal(t, domain.PartyInterventoria, *e.PendingReviewBy())
	assert.Empty(t, e.ReviewTasks())

	_, err := r.RecordAction(&e, carla, Verdict{Kind: VerdictApprove})
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = r.RecordAction(&e, idu, Verdict{Kind: VerdictApprove})
	require.ErrorIs(t, err, domain.ErrForbidden)

	out, err := r.RecordAction(&e, ivan, Verdict{Kind: VerdictForward})
	require.NoError(t, err)
	require.NotNil(t, out.PendingBy)
	assert.Equal(t, domain.PartyContractor, *out.PendingBy)
	assert.True(t, r.Addressed(e, carla))

	_, err = r.RecordAction(&e, carla, Verdict{Kind: VerdictForward, Target: &partyIn})
	require.NoError(t, err)

	out, err = r.RecordAction(&e, ivan, Verdict{Kind: VerdictApprove})
	require.NoError(t, err)
	assert.True(t, out.Satisfied)
	assert.True(t, r.IsReviewSatisfied(e))

	_, err = r.RecordAction(&e, ivan, Verdict{Kind: VerdictApprove})
	require.ErrorIs(t, err, domain.ErrAlreadyReviewed)
}

func TestContractorCannotAddressItself(t *testing.T) {
	r := newResolver()
	e := draft()
	err := r.CreateReviewObligations(&e, carla, auth.For(carla), Request{Policy: domain.PolicyHandoff, Target: domain.PartyContractor})
	require.ErrorIs(t, err, domain.ErrForbidden)

	e = draft()
	require.NoError(t, r.CreateReviewObligations(&e, ivan, auth.For(ivan), Request{Policy: domain.PolicyHandoff, Target: domain.PartyContractor}))
	contractor := domain.PartyContractor
	_, err = r.RecordAction(&e, carla, Verdict{Kind: VerdictForward, Target: &contractor})
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.PartyContractor, *e.PendingReviewBy())
}

func TestPolicyKindIsSticky(t *testing.T) {
	r := newResolver()
	e := draft()
	require.NoError(t, r.CreateReviewObligations(&e, author, auth.For(author), Request{Policy: domain.PolicyParallel}))
	r.Clear(&e)
	assert.Equal(t, domain.PolicyParallel, e.PolicyKind())

	err := r.CreateReviewObligations(&e, author, auth.For(author), Request{Policy: domain.PolicyHandoff, Target: domain.PartyContractor})
	require.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, r.CreateReviewObligations(&e, author, auth.For(author), Request{}))
	assert.Equal(t, domain.PolicyParallel, e.PolicyKind())
	assert.Len(t, e.ReviewTasks(), 2)
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(" Forward ")
	require.NoError(t, err)
	assert.Equal(t, VerdictForward, v)
	_, err = ParseVerdict("reject")
	require.ErrorIs(t, err, domain.ErrValidation)
}
