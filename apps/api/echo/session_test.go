package echoapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/tutorhub/core/session"
	"github.com/trezcool/tutorhub/core/user"
)

func newSessionBody(t *testing.T, subject string) []byte {
	return marchallObj(t, session.NewSession{
		Subject:         subject,
		Description:     "Linear algebra fundamentals for first-years.",
		Schedule:        session.NewSchedule{Date: time.Now().Add(48 * time.Hour), StartTime: "14:00", EndTime: "15:30"},
		MaxParticipants: 5,
	})
}

func TestSessionApi_create(t *testing.T) {
	tutor := createTestUser(t, "screatetutor", user.TutorRoles)
	student := createTestUser(t, "screatestudent", user.StudentRoles)
	body := newSessionBody(t, "Mathematics")

	tests := []httpTest{
		{
			name: "Auth required", method: http.MethodPost, path: "/v1/sessions", body: body,
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken),
		},
		{
			name: "Students cannot create sessions", method: http.MethodPost, path: "/v1/sessions",
			body: body, token: getToken(t, student),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden),
		},
		{
			name: "Invalid payload", method: http.MethodPost, path: "/v1/sessions",
			body: marchallObj(t, session.NewSession{Subject: "ab"}), token: getToken(t, tutor),
			wantCode: http.StatusBadRequest,
			extra: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var fields map[string]interface{}
				unmarchallObj(t, rec, &fields)
				if _, ok := fields["subject"]; !ok {
					t.Errorf("expected a subject field error; body %s", rec.Body.String())
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("Tutor creates own session", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/sessions", getToken(t, tutor), body)
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusCreated)

		var s session.Session
		unmarchallObj(t, rec, &s)
		if s.TutorID != tutor.ID {
			t.Errorf("TutorID = %v; want %v", s.TutorID, tutor.ID)
		}
		if s.Status != session.StatusScheduled {
			t.Errorf("Status = %v; want %v", s.Status, session.StatusScheduled)
		}
	})
}

func TestSessionApi_query(t *testing.T) {
	tutor := createTestUser(t, "squerytutor", user.TutorRoles)
	for i := 0; i < 3; i++ {
		createTestSession(t, tutor, 5)
	}

	t.Run("Browsing is public", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/v1/sessions?tutor="+tutor.ID)
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusOK)

		var res SessionListResponse
		unmarchallObj(t, rec, &res)
		if len(res.Items) != 3 {
			t.Errorf("len(Items) = %v; want 3", len(res.Items))
		}
		if res.Page.TotalItems != 3 {
			t.Errorf("TotalItems = %v; want 3", res.Page.TotalItems)
		}
	})

	t.Run("By tutor path", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/v1/sessions/tutor/"+tutor.ID)
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusOK)

		var res SessionListResponse
		unmarchallObj(t, rec, &res)
		for _, s := range res.Items {
			if s.TutorID != tutor.ID {
				t.Errorf("TutorID = %v; want %v", s.TutorID, tutor.ID)
			}
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, fmt.Sprintf("/v1/sessions?tutor=%s&limit=2&page=2", tutor.ID))
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusOK)

		var res SessionListResponse
		unmarchallObj(t, rec, &res)
		if len(res.Items) != 1 {
			t.Errorf("len(Items) = %v; want 1", len(res.Items))
		}
		if res.Page.TotalPages != 2 {
			t.Errorf("TotalPages = %v; want 2", res.Page.TotalPages)
		}
	})

	t.Run("Retrieve", func(t *testing.T) {
		s := createTestSession(t, tutor, 5)
		req, rec := newRequest(http.MethodGet, "/v1/sessions/"+s.ID)
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusOK)

		var got session.Session
		unmarchallObj(t, rec, &got)
		if got.ID != s.ID {
			t.Errorf("ID = %v; want %v", got.ID, s.ID)
		}
	})

	notFound := marchallObj(t, httpErr{Error: "session not found"})
	tests := []httpTest{
		{
			name: "Unknown id", method: http.MethodGet, path: "/v1/sessions/" + uuid.New().String(),
			wantCode: http.StatusNotFound, wantData: notFound,
		},
		{
			name: "Malformed id", method: http.MethodGet, path: "/v1/sessions/nope",
			wantCode: http.StatusNotFound, wantData: notFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(tt.method, tt.path)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestSessionApi_enrollment(t *testing.T) {
	tutor := createTestUser(t, "senrolltutor", user.TutorRoles)
	student1 := createTestUser(t, "senrollstud1", user.StudentRoles)
	student2 := createTestUser(t, "senrollstud2", user.StudentRoles)
	s := createTestSession(t, tutor, 1)

	t.Run("Auth required", func(t *testing.T) {
		req, rec := newRequest(http.MethodPost, "/v1/sessions/"+s.ID+"/join")
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}, rec)
	})

	t.Run("Join takes a seat", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/sessions/"+s.ID+"/join", getToken(t, student1))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, EnrollmentResponse{CurrentEnrolled: 1})}, rec)
	})

	tests := []httpTest{
		{
			name: "Duplicate join rejected", method: http.MethodPost, path: "/v1/sessions/" + s.ID + "/join",
			token: getToken(t, student1), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: "already enrolled in this session"}),
		},
		{
			name: "Full session rejected", method: http.MethodPost, path: "/v1/sessions/" + s.ID + "/join",
			token: getToken(t, student2), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: "session is full"}),
		},
		{
			name: "Leave requires enrollment", method: http.MethodPost, path: "/v1/sessions/" + s.ID + "/leave",
			token: getToken(t, student2), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: "not enrolled in this session"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("My enrolled sessions", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/sessions/my-enrolled", getToken(t, student1))
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusOK)

		var res SessionListResponse
		unmarchallObj(t, rec, &res)
		if len(res.Items) != 1 || res.Items[0].ID != s.ID {
			t.Errorf("Items = %+v; want the joined session only", res.Items)
		}
	})

	t.Run("Leave frees the seat", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/sessions/"+s.ID+"/leave", getToken(t, student1))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, EnrollmentResponse{CurrentEnrolled: 0})}, rec)

		// the freed seat is available again
		req, rec = newAuthRequest(http.MethodPost, "/v1/sessions/"+s.ID+"/join", getToken(t, student2))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, EnrollmentResponse{CurrentEnrolled: 1})}, rec)
	})
}

func TestSessionApi_feedback(t *testing.T) {
	tutor := createTestUser(t, "sfbtutor", user.TutorRoles)
	student := createTestUser(t, "sfbstudent", user.StudentRoles)
	outsider := createTestUser(t, "sfboutsider", user.StudentRoles)
	s := createTestSession(t, tutor, 5)

	req, rec := newAuthRequest(http.MethodPost, "/v1/sessions/"+s.ID+"/join", getToken(t, student))
	app.ServeHTTP(rec, req)
	checkCode(t, rec, http.StatusOK)

	body := marchallObj(t, session.SessionFeedback{Rating: 4, Feedback: "solid walkthrough"})

	tests := []httpTest{
		{
			name: "Participants only", method: http.MethodPost, path: "/v1/sessions/" + s.ID + "/feedback",
			body: body, token: getToken(t, outsider), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: "not enrolled in this session"}),
		},
		{
			name: "Feedback recorded", method: http.MethodPost, path: "/v1/sessions/" + s.ID + "/feedback",
			body: body, token: getToken(t, student), wantCode: http.StatusOK,
			wantData: marchallObj(t, SuccessResponse{Success: "Feedback recorded."}),
		},
		{
			name: "Write-once", method: http.MethodPost, path: "/v1/sessions/" + s.ID + "/feedback",
			body: body, token: getToken(t, student), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: "feedback has already been given for this session"}),
		},
		{
			name: "Rating out of range", method: http.MethodPost, path: "/v1/sessions/" + s.ID + "/feedback",
			body: marchallObj(t, session.SessionFeedback{Rating: 6}), token: getToken(t, student),
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestSessionApi_updateDestroy(t *testing.T) {
	owner := createTestUser(t, "supdowner", user.TutorRoles)
	other := createTestUser(t, "supdother", user.TutorRoles)
	admin := createTestUser(t, "supdadmin", user.AdminRoles)
	s := createTestSession(t, owner, 5)

	body := marchallObj(t, map[string]string{"subject": "Advanced Calculus"})

	t.Run("Only the owner or an admin may update", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPut, "/v1/sessions/"+s.ID, getToken(t, other), body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)

		req, rec = newAuthRequest(http.MethodPut, "/v1/sessions/"+s.ID, getToken(t, owner), body)
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusOK)

		var got session.Session
		unmarchallObj(t, rec, &got)
		if got.Subject != "advanced calculus" {
			t.Errorf("Subject = %v; want advanced calculus", got.Subject)
		}
	})

	t.Run("Invalid status transition rejected", func(t *testing.T) {
		body := marchallObj(t, map[string]string{"status": "completed"})
		req, rec := newAuthRequest(http.MethodPut, "/v1/sessions/"+s.ID, getToken(t, owner), body)
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusBadRequest)
	})

	t.Run("Destroy", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodDelete, "/v1/sessions/"+s.ID, getToken(t, other))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)

		req, rec = newAuthRequest(http.MethodDelete, "/v1/sessions/"+s.ID, getToken(t, admin))
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusNoContent)

		req, rec = newRequest(http.MethodGet, "/v1/sessions/"+s.ID)
		app.ServeHTTP(rec, req)
		checkCode(t, rec, http.StatusNotFound)
	})
}
