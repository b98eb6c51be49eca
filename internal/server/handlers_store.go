package server

// Persistence routes (all under /api/v1):
//   GET  /anomalies             → stored outliers (asset_id/attribute/type/from/to/limit/offset)
//   GET  /anomalies/summary     → reading counts per classification (from/to)
//   GET  /alarms                → alarms (asset_id/attribute/status/limit/offset)
//   GET  /alarms/{id}           → one alarm
//   POST /alarms/{id}/close     → close an open alarm

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
)

const defaultPageSize = 100

func (s *Server) registerAnomalyRoutes(r *mux.Router) {
	r.HandleFunc("/anomalies", s.handleAnomalyQuery).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/summary", s.handleAnomalySummary).Methods(http.MethodGet)
}

func (s *Server) registerAlarmRoutes(r *mux.Router) {
	r.HandleFunc("/alarms", s.handleAlarmList).Methods(http.MethodGet)
	r.HandleFunc("/alarms/{id}", s.handleAlarmGet).Methods(http.MethodGet)
	r.HandleFunc("/alarms/{id}/close", s.handleAlarmClose).Methods(http.MethodPost)
}

func (s *Server) handleAnomalyQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := db.AnomalyQuery{
		AssetID:   q.Get("asset_id"),
		Attribute: q.Get("attribute"),
		Limit:     queryInt(r, "limit", defaultPageSize),
		Offset:    queryInt(r, "offset", 0),
	}
	if t := q.Get("type"); t != "" {
		tag, err := anomaly.ParseAnomalyType(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.AnomalyType = tag
	}
	var err error
	if query.From, err = queryInt64(r, "from", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if query.To, err = queryInt64(r, "to", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.store.QueryAnomalies(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*db.AnomalyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": records, "count": len(records)})
}

func (s *Server) handleAnomalySummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.store.AnomalySummary(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "summary": summary})
}

func (s *Server) handleAlarmList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alarms, err := s.alarms.List(r.Context(), db.AlarmQuery{
		AssetID:   q.Get("asset_id"),
		Attribute: q.Get("attribute"),
		Status:    q.Get("status"),
		Limit:     queryInt(r, "limit", defaultPageSize),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alarms == nil {
		alarms = []*db.AlarmRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alarms": alarms, "count": len(alarms)})
}

func (s *Server) handleAlarmGet(w http.ResponseWriter, r *http.Request) {
	alarm, err := s.alarms.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "alarm not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

func (s *Server) handleAlarmClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.alarms.Close(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no open alarm with that id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": db.AlarmClosed})
}
