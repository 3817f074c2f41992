package handlers

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
)

//go:embed views/*.html
var viewsFS embed.FS

func newViews() *html.Engine {
	sub, err := fs.Sub(viewsFS, "views")
	if err != nil {
		panic(err)
	}
	return html.NewFileSystem(http.FS(sub), ".html")
}

// StatusHandler GET / renders the seeded users and their presence.
func (h *Handlers) StatusHandler(c *fiber.Ctx) error {
	users := h.Hub.ListUsers("")
	online := 0
	for _, u := range users {
		if u.Online {
			online++
		}
	}
	return c.Render("status", fiber.Map{
		"Title":  "pelusa-inbox devserver",
		"Users":  users,
		"Online": online,
	})
}
