package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/httpx"
	"github.com/wif-erp/wif-erp/internal/shared"
)

type saveDocumentRequest struct {
	Type     string          `json:"type"`
	Action   string          `json:"action"`
	Document json.RawMessage `json:"document"`
}

type documentResponse struct {
	Type     finance.DocumentType `json:"type"`
	Document documents.Document   `json:"document"`
}

type saveDocumentResponse struct {
	documentResponse
	Created                bool          `json:"created"`
	Entry                  *ledger.Entry `json:"entry,omitempty"`
	LedgerReversalRequired bool          `json:"ledger_reversal_required"`
}

type listDocumentsResponse struct {
	Data       []documentResponse `json:"data"`
	Pagination shared.Pagination  `json:"pagination"`
}

func wrapDocument(doc documents.Document) documentResponse {
	return documentResponse{Type: doc.Type(), Document: doc}
}

func decodeDocument(typ string, raw json.RawMessage) (documents.Document, error) {
	docType, ok := finance.ParseDocumentType(typ)
	if !ok {
		return nil, finance.Invalid("type", "unknown document type %q", typ)
	}
	doc, _ := documents.New(docType)
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, finance.Invalid("document", "document is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		if typeErr, ok := err.(*json.UnmarshalTypeError); ok {
			return nil, finance.Invalid(typeErr.Field, "must be %s", typeErr.Type)
		}
		return nil, finance.Invalid("document", "%s", err.Error())
	}
	return doc, nil
}

func parseAction(raw string) (documents.Action, error) {
	action := documents.Action(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case "", documents.ActionSave, documents.ActionIssue, documents.ActionApprove, documents.ActionCancel:
		return action, nil
	}
	return "", finance.Invalid("action", "unknown action %q", raw)
}

func (h *Handler) saveDocument(w http.ResponseWriter, r *http.Request) error {
	actor, err := actorFrom(r)
	if err != nil {
		return err
	}
	var req saveDocumentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return err
	}
	action, err := parseAction(req.Action)
	if err != nil {
		return err
	}
	doc, err := decodeDocument(req.Type, req.Document)
	if err != nil {
		return err
	}
	res, err := h.deps.Documents.SaveDocument(r.Context(), documents.SaveInput{Document: doc, Action: action, Actor: actor})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, saveDocumentResponse{
		documentResponse:       wrapDocument(res.Document),
		Created:                res.Created,
		Entry:                  res.Entry,
		LedgerReversalRequired: res.LedgerReversalRequired,
	})
	return nil
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	doc, err := h.deps.Documents.GetDocument(r.Context(), id)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wrapDocument(doc))
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	companyID, err := strconv.ParseInt(q.Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		h.respond(w, r, finance.Invalid("company_id", "must be a positive integer"))
		return
	}
	filter := documents.ListFilter{
		CompanyID:          companyID,
		Status:             documents.Status(strings.ToUpper(q.Get("status"))),
		IncludeDeactivated: q.Get("include_deactivated") == "true",
	}
	if raw := q.Get("type"); raw != "" {
		docType, ok := finance.ParseDocumentType(raw)
		if !ok {
			h.respond(w, r, finance.Invalid("type", "unknown document type %q", raw))
			return
		}
		filter.Type = docType
	}
	page, perPage := shared.ParsePage(q.Get("page"), q.Get("per_page"))
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage
	docs, total, err := h.deps.Documents.ListDocuments(r.Context(), filter)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	data := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		data = append(data, wrapDocument(doc))
	}
	httpx.JSON(w, http.StatusOK, listDocumentsResponse{Data: data, Pagination: shared.NewPagination(page, perPage, total)})
}

func (h *Handler) deactivateDocument(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	if err := h.deps.Documents.DeactivateDocument(r.Context(), id, actor.ID); err != nil {
		h.respond(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	if err := h.deps.Documents.DeleteDocument(r.Context(), id, actor.ID); err != nil {
		h.respond(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
