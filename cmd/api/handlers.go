package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/groupfund/pkg/ledger"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/shopspring/decimal"
)

// Requests are attributed through these headers; authentication happens in front of this service.
const (
	headerMemberID = "X-Member-ID"
	headerRole     = "X-Role"
)

// Server holds the ledger instance.
type Server struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewServer(l *ledger.Ledger, logger *slog.Logger) *Server {
	return &Server{
		ledger: l,
		logger: logger,
	}
}

// Router registers one route per ledger operation.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/groups", s.listGroupsHandler).Methods("GET")
	router.HandleFunc("/groups", s.createGroupHandler).Methods("POST")

	g := router.PathPrefix("/groups/{groupID}").Subrouter()
	g.HandleFunc("", s.getGroupHandler).Methods("GET")
	g.HandleFunc("/settings", s.updateSettingsHandler).Methods("PUT")

	g.HandleFunc("/members", s.listMembersHandler).Methods("GET")
	g.HandleFunc("/members", s.addMemberHandler).Methods("POST")
	g.HandleFunc("/members/{memberID}", s.getMemberHandler).Methods("GET")
	g.HandleFunc("/members/{memberID}/status", s.setMemberStatusHandler).Methods("PUT")
	g.HandleFunc("/members/{memberID}/deposits", s.depositHandler).Methods("POST")

	g.HandleFunc("/contributions", s.listContributionsHandler).Methods("GET")
	g.HandleFunc("/contributions", s.addContributionHandler).Methods("POST")
	g.HandleFunc("/contributions/generate", s.generateObligationsHandler).Methods("POST")
	g.HandleFunc("/contributions/overdue", s.markOverdueHandler).Methods("POST")
	g.HandleFunc("/contributions/{contributionID}/payments", s.recordPaymentHandler).Methods("POST")

	g.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	g.HandleFunc("/loans", s.requestLoanHandler).Methods("POST")
	g.HandleFunc("/loans/{loanID}", s.getLoanHandler).Methods("GET")
	g.HandleFunc("/loans/{loanID}/approve", s.approveLoanHandler).Methods("POST")
	g.HandleFunc("/loans/{loanID}/reject", s.rejectLoanHandler).Methods("POST")
	g.HandleFunc("/loans/{loanID}/installments/{installmentID}/repay", s.repayInstallmentHandler).Methods("POST")

	g.HandleFunc("/penalties", s.listPenaltiesHandler).Methods("GET")
	g.HandleFunc("/penalties", s.createPenaltyHandler).Methods("POST")
	g.HandleFunc("/penalties/{penaltyID}/pay", s.payPenaltyHandler).Methods("POST")

	g.HandleFunc("/distributions/{year:[0-9]+}", s.getDistributionHandler).Methods("GET")
	g.HandleFunc("/distributions/{year:[0-9]+}/calculate", s.calculateDistributionHandler).Methods("POST")
	g.HandleFunc("/distributions/{year:[0-9]+}/breakdown", s.breakdownHandler).Methods("GET")
	g.HandleFunc("/distributions/{year:[0-9]+}/execute", s.executeDistributionHandler).Methods("POST")
	g.HandleFunc("/distributions/{year:[0-9]+}/cancel", s.cancelDistributionHandler).Methods("POST")

	g.HandleFunc("/entries", s.listEntriesHandler).Methods("GET")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps ledger failures onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// pathID parses the named route variable as a UUID, answering 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		badRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func pathYear(w http.ResponseWriter, r *http.Request) (int, bool) {
	year, err := strconv.Atoi(mux.Vars(r)["year"])
	if err != nil {
		badRequest(w, "invalid year")
		return 0, false
	}
	return year, true
}

// queryID reads an optional UUID query parameter.
func queryID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, "invalid "+name)
		return nil, false
	}
	return &id, true
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(w, "invalid "+name+", expected RFC 3339")
		return nil, false
	}
	return &t, true
}

// actor returns the calling member, if the request names one.
func actor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(headerMemberID)
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, "invalid "+headerMemberID+" header")
		return uuid.Nil, false
	}
	return id, true
}

// createdBy names the actor on ledger entries: the calling member, or "admin".
func createdBy(r *http.Request) string {
	if id := r.Header.Get(headerMemberID); id != "" {
		return id
	}
	return string(ledger.RoleAdmin)
}

func (s *Server) createGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string               `json:"name"`
		Settings models.GroupSettings `json:"settings"`
	}
	if !decode(w, r, &req) {
		return
	}

	group, err := s.ledger.CreateGroup(r.Context(), req.Name, req.Settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) listGroupsHandler(w http.ResponseWriter, r *http.Request) {
	groups, err := s.ledger.ListGroups(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) getGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	group, err := s.ledger.GetGroup(r.Context(), groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) updateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	var settings models.GroupSettings
	if !decode(w, r, &settings) {
		return
	}
	group, err := s.ledger.UpdateSettings(r.Context(), groupID, settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) addMemberHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	member, err := s.ledger.AddMember(r.Context(), groupID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) listMembersHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	status := models.MemberStatus(r.URL.Query().Get("status"))
	members, err := s.ledger.ListMembers(r.Context(), groupID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) getMemberHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	member, err := s.ledger.GetMember(r.Context(), groupID, memberID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) setMemberStatusHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	var req struct {
		Status models.MemberStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	member, err := s.ledger.SetMemberStatus(r.Context(), groupID, memberID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) depositHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	var req struct {
		Type   models.TransactionType `json:"type"`
		Amount decimal.Decimal        `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.ledger.Deposit(r.Context(), groupID, memberID, req.Type, req.Amount, createdBy(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) generateObligationsHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		Month   string           `json:"month"`
		Amount  *decimal.Decimal `json:"amount"`
		DueDate *time.Time       `json:"due_date"`
	}
	if !decode(w, r, &req) {
		return
	}

	// amount and due date default to the group's setting and the end of the month
	var amount decimal.Decimal
	if req.Amount != nil {
		amount = *req.Amount
	} else {
		group, err := s.ledger.GetGroup(r.Context(), groupID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		amount = group.Settings.ContributionAmount
	}
	var due time.Time
	if req.DueDate != nil {
		due = *req.DueDate
	} else {
		monthStart, err := time.Parse(models.MonthLayout, req.Month)
		if err != nil {
			badRequest(w, "invalid month, expected YYYY-MM")
			return
		}
		due = ledger.EndOfMonth(monthStart)
	}

	created, err := s.ledger.GenerateMonthlyObligations(r.Context(), groupID, req.Month, amount, due)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) addContributionHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		MemberID uuid.UUID       `json:"member_id"`
		Month    string          `json:"month"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.ledger.AddContribution(r.Context(), groupID, req.MemberID, req.Month, req.Amount, createdBy(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	contributionID, ok := pathID(w, r, "contributionID")
	if !ok {
		return
	}
	memberID, ok := actor(w, r)
	if !ok {
		return
	}
	if memberID == uuid.Nil {
		badRequest(w, headerMemberID+" header is required")
		return
	}

	c, err := s.ledger.RecordPayment(r.Context(), contributionID, memberID, groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) markOverdueHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	group, err := s.ledger.GetGroup(r.Context(), groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ledger.MarkOverdue(r.Context(), groupID, group.Settings.AutomaticPenaltiesEnabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"marked":              res.Marked,
		"penalties_generated": res.PenaltiesGenerated,
	})
}

func (s *Server) listContributionsHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := queryID(w, r, "member_id")
	if !ok {
		return
	}
	contributions, err := s.ledger.ListContributions(r.Context(), groupID, memberID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contributions)
}

func (s *Server) requestLoanHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		MemberID         uuid.UUID       `json:"member_id"`
		Principal        decimal.Decimal `json:"principal"`
		InstallmentCount int             `json:"installment_count"`
		Reason           string          `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	loan, err := s.ledger.RequestLoan(r.Context(), groupID, req.MemberID, req.Principal, req.InstallmentCount, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	// An empty body keeps the requested installment count.
	var req struct {
		InstallmentCount int `json:"installment_count"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	loan, err := s.ledger.ApproveLoan(r.Context(), groupID, loanID, req.InstallmentCount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := s.ledger.RejectLoan(r.Context(), groupID, loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) repayInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	installmentID, ok := pathID(w, r, "installmentID")
	if !ok {
		return
	}
	loan, err := s.ledger.RepayInstallment(r.Context(), groupID, loanID, installmentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), groupID, loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := queryID(w, r, "member_id")
	if !ok {
		return
	}
	loans, err := s.ledger.ListLoans(r.Context(), groupID, memberID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) createPenaltyHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		MemberID uuid.UUID       `json:"member_id"`
		Amount   decimal.Decimal `json:"amount"`
		Reason   string          `json:"reason"`
		DueDate  *time.Time      `json:"due_date"`
	}
	if !decode(w, r, &req) {
		return
	}
	p := &models.Penalty{
		GroupID:  groupID,
		MemberID: req.MemberID,
		Amount:   req.Amount,
		Reason:   req.Reason,
	}
	if req.DueDate != nil {
		p.DueDate = *req.DueDate
	}
	penalty, err := s.ledger.CreatePenalty(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, penalty)
}

func (s *Server) payPenaltyHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	penaltyID, ok := pathID(w, r, "penaltyID")
	if !ok {
		return
	}
	penalty, err := s.ledger.PayPenalty(r.Context(), groupID, penaltyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, penalty)
}

func (s *Server) listPenaltiesHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := queryID(w, r, "member_id")
	if !ok {
		return
	}

	var (
		penalties []*models.Penalty
		err       error
	)
	if memberID != nil {
		penalties, err = s.ledger.ListPenaltiesByMember(r.Context(), groupID, *memberID)
	} else {
		penalties, err = s.ledger.ListPenaltiesByGroup(r.Context(), groupID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, penalties)
}

func (s *Server) calculateDistributionHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	year, ok := pathYear(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.Calculate(r.Context(), groupID, year)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) getDistributionHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	year, ok := pathYear(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.GetDistribution(r.Context(), groupID, year)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) breakdownHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	year, ok := pathYear(w, r)
	if !ok {
		return
	}
	shares, err := s.ledger.Breakdown(r.Context(), groupID, year)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *Server) executeDistributionHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	year, ok := pathYear(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.Execute(r.Context(), groupID, year)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) cancelDistributionHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	year, ok := pathYear(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.Cancel(r.Context(), groupID, year)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// listEntriesHandler serves the ledger history. Without an X-Role header the caller is treated as a member.
func (s *Server) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	memberID, ok := queryID(w, r, "member_id")
	if !ok {
		return
	}
	from, ok := queryTime(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryTime(w, r, "to")
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	role := ledger.Role(r.Header.Get(headerRole))
	if role == "" {
		role = ledger.RoleMember
	}

	entries, err := s.ledger.ListEntries(r.Context(), ledger.EntryQuery{
		GroupID:  groupID,
		Role:     role,
		ActorID:  actorID,
		MemberID: memberID,
		Type:     models.TransactionType(r.URL.Query().Get("type")),
		From:     from,
		To:       to,
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
