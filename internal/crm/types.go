// Package crm holds the CRM console's record sets and the typed containers
// that keep them in sync through an engine.
package crm

import (
	_ "embed"
	"fmt"

	"github.com/roach88/crmsync/internal/record"
)

// Record set keys.
const (
	KeyClients     = "clients"
	KeyEmployees   = "employees"
	KeyTeams       = "teams"
	KeyTasks       = "tasks"
	KeyCommissions = "commissions"
	KeySession     = "current-session"
)

// Keys lists every record set the console synchronizes.
var Keys = []string{KeyClients, KeyEmployees, KeyTeams, KeyTasks, KeyCommissions, KeySession}

//go:embed shapes.cue
var shapesSource string

// RegisterShapes loads the CUE shape of every record set into s.
func RegisterShapes(s *record.Shapes) error {
	if err := s.Load("shapes.cue", shapesSource, "records"); err != nil {
		return fmt.Errorf("register crm shapes: %w", err)
	}
	return nil
}

// Role is an employee's access level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "empleado"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending   TaskState = "pendiente"
	TaskCompleted TaskState = "completada"
	TaskOverdue   TaskState = "vencida"
)

type Client struct {
	ID          string `json:"id"`
	Nombre      string `json:"nombre"`
	Telefono    string `json:"telefono,omitempty"`
	Direccion   string `json:"direccion,omitempty"`
	Necesidades string `json:"necesidades,omitempty"`
	EquipoID    string `json:"equipoId,omitempty"`
}

type Employee struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Role        Role   `json:"role"`
	EquipoID    string `json:"equipoId,omitempty"`
	IsConnected bool   `json:"isConnected,omitempty"`
}

type Team struct {
	ID      string   `json:"id"`
	Nombre  string   `json:"nombre"`
	Members []string `json:"members"`
}

type Task struct {
	ID               string    `json:"id"`
	Titulo           string    `json:"titulo"`
	Descripcion      string    `json:"descripcion,omitempty"`
	Estado           TaskState `json:"estado"`
	FechaVencimiento string    `json:"fechaVencimiento,omitempty"`
	Monto            float64   `json:"monto,omitempty"`
	Comision         float64   `json:"comision,omitempty"`
	EmpleadoID       string    `json:"empleadoId,omitempty"`
	ClienteID        string    `json:"clienteId,omitempty"`
}

type Commission struct {
	EmpleadoID        string  `json:"empleadoId"`
	TareasCompletadas int     `json:"tareasCompletadas"`
	Total             float64 `json:"total"`
}
