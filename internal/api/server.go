package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"dictum/engine"
	"dictum/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config конфигурация API слоя.
type Config struct {
	Port         string
	GRPCAddr     string
	SettingsPath string
}

// Server хост-фасад движка: WebSocket для UI (события + команды)
// и gRPC поток для нативных клиентов.
type Server struct {
	Config   Config
	Engine   *engine.Engine
	ModelMgr *models.Manager

	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

// NewServer создаёт сервер и подписывает его на события движка.
func NewServer(cfg Config, eng *engine.Engine, modelMgr *models.Manager) *Server {
	s := &Server{
		Config:   cfg,
		Engine:   eng,
		ModelMgr: modelMgr,
		clients:  make(map[*websocket.Conn]bool),
	}
	s.setupCallbacks()
	return s
}

// Start блокирующий запуск HTTP/WebSocket сервера (gRPC стартует фоном).
func (s *Server) Start() {
	go s.startGRPCServer()

	http.HandleFunc("/ws", s.handleWebSocket)

	log.Printf("Backend listening on :%s", s.Config.Port)
	if err := http.ListenAndServe(":"+s.Config.Port, nil); err != nil {
		log.Fatal("ListenAndServe:", err)
	}
}

func (s *Server) setupCallbacks() {
	// События движка -> WebSocket broadcast
	s.Engine.SubscribeTranscripts("websocket", func(event engine.TranscriptEvent) {
		ev := event
		s.broadcast(Message{Type: "event", Channel: engine.ChannelTranscript, Transcript: &ev})
	})

	statusCh, _ := s.Engine.Dispatcher().SubscribeStatus()
	go func() {
		for event := range statusCh {
			ev := event
			s.broadcast(Message{Type: "event", Channel: engine.ChannelStatus, Status: &ev})
		}
	}()

	activityCh, _ := s.Engine.Dispatcher().SubscribeActivity()
	go func() {
		for event := range activityCh {
			ev := event
			s.broadcast(Message{Type: "event", Channel: engine.ChannelActivity, Activity: &ev})
		}
	}()

	// Прогресс скачивания моделей
	s.ModelMgr.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		s.broadcast(Message{
			Type:     "model_progress",
			ModelID:  modelID,
			Progress: progress,
			Error:    errStr,
		})
	})
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("WebSocket write failed, dropping client: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	total := len(s.clients)
	s.mu.Unlock()
	log.Printf("WebSocket client connected (%d total)", total)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("WebSocket client disconnected: %v", err)
			return
		}
		response := s.handleMessage(msg)
		if response.Type == "" {
			continue
		}
		s.mu.Lock()
		err = conn.WriteJSON(response)
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleMessage обрабатывает команду и формирует ответ.
// Пустой Type ответа - команда без ответа.
func (s *Server) handleMessage(msg Message) Message {
	switch msg.Type {
	case "start_engine":
		if err := s.Engine.Start(msg.DeviceName); err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		status := s.Engine.Status()
		return Message{Type: "engine_started", Status: &status}

	case "stop_engine":
		if err := s.Engine.Stop(); err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		status := s.Engine.Status()
		return Message{Type: "engine_stopped", Status: &status}

	case "get_status":
		status := s.Engine.Status()
		return Message{Type: "status", Status: &status}

	case "list_audio_devices":
		devices, err := s.Engine.ListDevices()
		if err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		return Message{Type: "devices", Devices: devices}

	case "set_preferred_input_device":
		patch := []byte(`{"preferredInputDevice":` + string(mustJSON(msg.DeviceName)) + `}`)
		updated, err := s.Engine.ApplySettingsPatch(patch)
		if err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		s.persistSettings(updated)
		return Message{Type: "runtime_settings", Runtime: &updated}

	case "get_preferred_input_device":
		settings := s.Engine.GetSettings()
		return Message{Type: "preferred_input_device", DeviceName: settings.PreferredInputDevice}

	case "get_runtime_settings":
		settings := s.Engine.GetSettings()
		return Message{Type: "runtime_settings", Runtime: &settings}

	case "set_runtime_settings":
		updated, err := s.Engine.ApplySettingsPatch(msg.Settings)
		if err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		s.persistSettings(updated)
		return Message{Type: "runtime_settings", Runtime: &updated}

	case "list_models":
		return Message{Type: "models", Models: s.ModelMgr.States()}

	case "download_model":
		if err := s.ModelMgr.Download(msg.ModelID); err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		return Message{Type: "model_download_started", ModelID: msg.ModelID}

	case "get_diagnostics":
		snap := s.Engine.Diagnostics().Snapshot()
		return Message{Type: "diagnostics", Diagnostics: &snap}

	default:
		return Message{Type: "error", Error: "unknown message type: " + msg.Type}
	}
}

func (s *Server) persistSettings(settings engine.Settings) {
	if s.Config.SettingsPath == "" {
		return
	}
	if err := engine.SaveSettings(s.Config.SettingsPath, settings); err != nil {
		log.Printf("Failed to persist settings: %v", err)
	}
}
