package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/fragnet/internal/health"
	"github.com/energizer-project/fragnet/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func notAvailable(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not available on this process"})
}

// handleGetServers returns the master registry contents.
func (s *Server) handleGetServers(c *gin.Context) {
	if s.providers.Master == nil {
		notAvailable(c, "server registry")
		return
	}
	status := s.providers.Master.Status()
	c.JSON(http.StatusOK, gin.H{
		"servers":    status.Servers,
		"total":      len(status.Servers),
		"capacity":   status.Stats.MaxServers,
		"updated_at": status.UpdatedAt,
	})
}

// handleGetPlayers returns the peers connected to the game server.
func (s *Server) handleGetPlayers(c *gin.Context) {
	if s.providers.Game == nil {
		notAvailable(c, "player list")
		return
	}
	status := s.providers.Game.Status()
	c.JSON(http.StatusOK, gin.H{
		"players":     status.Players,
		"total":       len(status.Players),
		"max_clients": status.Stats.MaxClients,
		"updated_at":  status.UpdatedAt,
	})
}

// handleGetStats returns the process counters together with health and
// lag summaries.
func (s *Server) handleGetStats(c *gin.Context) {
	resp := gin.H{
		"role":    s.providers.Role,
		"version": util.Version,
	}
	if s.providers.Master != nil {
		resp["master"] = s.providers.Master.Status().Stats
	}
	if s.providers.Game != nil {
		resp["game"] = s.providers.Game.Status().Stats
	}
	if s.providers.Health != nil {
		resp["health"] = gin.H{
			"overall": s.providers.Health.Overall(),
			"checks":  s.providers.Health.Results(),
		}
	}
	if s.providers.Lag != nil {
		resp["lag"] = s.providers.Lag.GetAllLoopData()
	}
	if s.providers.History != nil {
		if counts, err := s.providers.History.CountByEvent(c.Request.Context()); err == nil {
			resp["history"] = counts
		} else {
			s.logger.Warn().Err(err).Msg("failed to count history events")
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetHistory returns the most recent registry history rows.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.providers.History == nil {
		notAvailable(c, "registry history")
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	entries, err := s.providers.History.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read registry history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

// handleGetHealth returns every check result. The status code is 503 when
// any check is critical.
func (s *Server) handleGetHealth(c *gin.Context) {
	if s.providers.Health == nil {
		notAvailable(c, "health checks")
		return
	}
	overall := s.providers.Health.Overall()
	code := http.StatusOK
	if overall == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"overall": overall,
		"checks":  s.providers.Health.Results(),
	})
}

func (s *Server) handleGetLag(c *gin.Context) {
	if s.providers.Lag == nil {
		notAvailable(c, "lag data")
		return
	}
	c.JSON(http.StatusOK, gin.H{"loops": s.providers.Lag.GetAllLoopData()})
}

// handleGetSystem returns host information and current resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}

	if usage, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = usage
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	if disk, err := util.GetDiskUsage("."); err == nil {
		resp["disk"] = disk
	}
	c.JSON(http.StatusOK, resp)
}
