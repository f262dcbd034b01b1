package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"example.com/labeler/internal/domain"
)

type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Meta     map[string]any      `json:"meta,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	writeProblem(w, Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// problemFor maps the domain error taxonomy onto a problem response.
func problemFor(err error) Problem {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		errs := map[string][]string{}
		for _, fe := range verr.Fields {
			errs[fe.Field] = append(errs[fe.Field], fe.Msg)
		}
		return Problem{Status: http.StatusBadRequest, Title: "validation failed", Detail: "one or more fields are invalid", Errors: errs}
	case errors.Is(err, domain.ErrBadRequest):
		return Problem{Status: http.StatusBadRequest, Title: "bad request", Detail: err.Error()}
	case errors.Is(err, domain.ErrConfiguration):
		return Problem{Status: http.StatusInternalServerError, Title: "configuration error", Detail: err.Error()}
	case errors.Is(err, domain.ErrStorage):
		return Problem{Status: http.StatusInternalServerError, Title: "storage error", Detail: "label store unavailable"}
	default:
		return Problem{Status: http.StatusInternalServerError, Title: "internal error", Detail: "unexpected failure"}
	}
}

// WriteError writes err as a problem response.
func WriteError(w http.ResponseWriter, err error) {
	writeProblem(w, problemFor(err))
}
