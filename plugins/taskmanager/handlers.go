package taskmanager

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/preto960/pluginbay/internal/httputil"
)

type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

type createTaskRequest struct {
	Title string `json:"title"`
}

type updateTaskRequest struct {
	Title *string `json:"title,omitempty"`
	Done  *bool   `json:"done,omitempty"`
}

// buildRouter is the plugin's backend entry point. Routes carry the full
// mounted prefix because the mount dispatcher forwards requests unaltered.
func (p *Plugin) buildRouter() (http.Handler, error) {
	r := mux.NewRouter()
	api := r.PathPrefix("/plugins/" + Slug).Subrouter()
	api.HandleFunc("/tasks", p.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks", p.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", p.handleUpdateTask).Methods("PATCH")
	api.HandleFunc("/tasks/{id}", p.handleDeleteTask).Methods("DELETE")
	return r, nil
}

func (p *Plugin) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if p.db == nil {
		httputil.WriteJSON(w, http.StatusOK, p.mem.list())
		return
	}

	rows, err := p.db.Pool.Query(r.Context(),
		`SELECT id, title, done, created_at FROM plugin_task_manager_tasks ORDER BY created_at`)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Done, &t.CreatedAt); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to scan task")
			return
		}
		tasks = append(tasks, t)
	}
	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (p *Plugin) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		httputil.WriteError(w, http.StatusBadRequest, "title is required")
		return
	}

	if p.db == nil {
		httputil.WriteJSON(w, http.StatusCreated, p.mem.create(req.Title))
		return
	}

	var t Task
	err := p.db.Pool.QueryRow(r.Context(),
		`INSERT INTO plugin_task_manager_tasks (title) VALUES ($1)
		 RETURNING id, title, done, created_at`,
		req.Title,
	).Scan(&t.ID, &t.Title, &t.Done, &t.CreatedAt)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (p *Plugin) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if p.db == nil {
		t, ok := p.mem.update(id, req)
		if !ok {
			httputil.WriteError(w, http.StatusNotFound, "task not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, t)
		return
	}

	var t Task
	err := p.db.Pool.QueryRow(r.Context(),
		`UPDATE plugin_task_manager_tasks
		 SET title = COALESCE($2, title), done = COALESCE($3, done)
		 WHERE id = $1
		 RETURNING id, title, done, created_at`,
		id, req.Title, req.Done,
	).Scan(&t.ID, &t.Title, &t.Done, &t.CreatedAt)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (p *Plugin) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if p.db == nil {
		if !p.mem.delete(id) {
			httputil.WriteError(w, http.StatusNotFound, "task not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
		return
	}

	result, err := p.db.Pool.Exec(r.Context(),
		`DELETE FROM plugin_task_manager_tasks WHERE id = $1`, id)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	if result.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

// renderTaskList is the plugin's native frontend component.
func renderTaskList(props map[string]any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"component": "TaskList",
		"props":     props,
	})
}

// memStore backs the DB-less development mode.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]Task)}
}

func (s *memStore) list() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) create(title string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Task{ID: uuid.NewString(), Title: title, CreatedAt: time.Now()}
	s.tasks[t.ID] = t
	return t
}

func (s *memStore) update(id string, req updateTaskRequest) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Done != nil {
		t.Done = *req.Done
	}
	s.tasks[id] = t
	return t, true
}

func (s *memStore) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

func (s *memStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]Task)
}
