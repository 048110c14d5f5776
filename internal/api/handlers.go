package api

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"multichatgo/internal/auth"
	"multichatgo/internal/engine"
	"multichatgo/internal/models"
	"multichatgo/internal/service/room"
	"multichatgo/internal/supervisor"
	"multichatgo/internal/transport"
)

// Handler wires HTTP routes to the chatroom service and hands sockets over
// to the supervisor.
type Handler struct {
	rooms    *room.Service
	auth     *auth.Service
	engine   *engine.Manager
	super    *supervisor.Supervisor
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(rooms *room.Service, authService *auth.Service, eng *engine.Manager, super *supervisor.Supervisor) *Handler {
	return &Handler{
		rooms:  rooms,
		auth:   authService,
		engine: eng,
		super:  super,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/logout", h.logoutUser)
	authed.POST("/chatrooms", h.createChatroom)
	authed.GET("/chatrooms", h.listChatrooms)
	authed.GET("/chatrooms/:id", h.getChatroom)
	authed.GET("/chatrooms/:id/messages", h.listMessages)
	authed.POST("/chatrooms/:id/participants", h.addParticipant)
	authed.DELETE("/chatrooms/:id/participants/:participant_id", h.removeParticipant)

	// The socket authenticates on the wire, not through the middleware, so
	// a bad token is answered with an ERROR frame instead of an HTTP status.
	api.GET("/socket", h.socket)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.rooms.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.rooms.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// roomForUser resolves the :id path param to a chatroom the caller owns.
func (h *Handler) roomForUser(c *gin.Context) (*models.Chatroom, bool) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return nil, false
	}
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chatroom id"})
		return nil, false
	}
	rm, err := h.rooms.GetChatroom(c.Request.Context(), userID, roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chatroom not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return rm, true
}

func (h *Handler) createChatroom(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title          string `json:"title"`
		MaxRound       int    `json:"max_round"`
		SmartSelection bool   `json:"smart_selection"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	rm, err := h.rooms.CreateChatroom(c.Request.Context(), userID, title, req.MaxRound, req.SmartSelection)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rm)
}

func (h *Handler) listChatrooms(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	rooms, err := h.rooms.ListChatrooms(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rooms == nil {
		rooms = make([]models.Chatroom, 0)
	}
	c.JSON(http.StatusOK, gin.H{"chatrooms": rooms})
}

func (h *Handler) getChatroom(c *gin.Context) {
	rm, ok := h.roomForUser(c)
	if !ok {
		return
	}
	participants, err := h.rooms.ListParticipants(c.Request.Context(), rm.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chatroom":     rm,
		"participants": participants,
		"running":      h.engine.Running(rm.ID),
	})
}

func (h *Handler) listMessages(c *gin.Context) {
	rm, ok := h.roomForUser(c)
	if !ok {
		return
	}
	messages, err := h.rooms.ListMessages(c.Request.Context(), rm.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) addParticipant(c *gin.Context) {
	rm, ok := h.roomForUser(c)
	if !ok {
		return
	}
	var req struct {
		Name      string `json:"name"`
		Provider  string `json:"provider"`
		Model     string `json:"model"`
		Abilities string `json:"abilities"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	participant, err := h.rooms.AddParticipant(c.Request.Context(), rm.ID,
		strings.TrimSpace(req.Name), strings.TrimSpace(req.Provider),
		strings.TrimSpace(req.Model), req.Abilities)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.engine.InvalidateRoom(c.Request.Context(), rm.ID)
	c.JSON(http.StatusCreated, participant)
}

func (h *Handler) removeParticipant(c *gin.Context) {
	rm, ok := h.roomForUser(c)
	if !ok {
		return
	}
	participantID, err := strconv.ParseInt(c.Param("participant_id"), 10, 64)
	if err != nil || participantID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
		return
	}
	if err := h.rooms.RemoveParticipant(c.Request.Context(), rm.ID, participantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.engine.InvalidateRoom(c.Request.Context(), rm.ID)
	c.Status(http.StatusNoContent)
}

// socket upgrades the connection and hands it to the supervisor. The token
// travels as a query parameter because browsers cannot set headers on
// websocket requests; room entry and ownership are checked by the ENTER
// command, not here.
func (h *Handler) socket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	userID, err := h.auth.ValidateToken(c.Request.Context(), strings.TrimSpace(c.Query("token")))
	if err != nil {
		if frame, ferr := transport.Encode(transport.InstrError, gin.H{"message": err.Error()}); ferr == nil {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		ws.Close()
		return
	}
	h.super.Serve(context.Background(), userID, ws)
}
