// seed-demo creates a demo inspection template for one organization and a
// redis session token to call the API with.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... REDIS_ADDRESS=... go run ./cmd/seed-demo
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/models"
	"bitbucket.org/batifocus/qc_backend/utils"
	"github.com/google/uuid"
)

func demoTemplate() *models.NewTemplate {
	return &models.NewTemplate{
		Title: "Contrôle gros œuvre",
		Domains: []models.NewTemplateDomain{
			{
				Name: "Fondations",
				SubCategories: []models.NewTemplateSubCategory{
					{
						Name: "Excavation",
						Points: []models.NewControlPoint{
							{Label: "Profondeur conforme au plan"},
							{Label: "Fond de fouille propre et stable"},
						},
					},
					{
						Name: "Ferraillage",
						Points: []models.NewControlPoint{
							{Label: "Armatures conformes aux plans"},
							{Label: "Enrobage respecté"},
						},
					},
				},
			},
			{
				Name: "Élévations",
				SubCategories: []models.NewTemplateSubCategory{
					{
						Name: "Maçonnerie",
						Points: []models.NewControlPoint{
							{Label: "Aplomb des murs"},
							{Label: "Joints réguliers"},
						},
					},
				},
			},
		},
	}
}

func main() {
	orgId := flag.String("org-id", "demo-org", "organization id to seed")
	token := flag.String("token", "", "session token to register (random when empty)")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx = utils.SetOrgIdInContext(ctx, *orgId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetActorRoleInContext(ctx, string(models.ActorRoleAdmin))
	ctx = utils.SetIsAdminInContext(ctx, true)

	template, err := models.CreateTemplate(ctx, demoTemplate())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create template: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created template %d (%s) for org %q\n", template.ID, template.Title, *orgId)

	sessionToken := *token
	if sessionToken == "" {
		sessionToken = uuid.NewString()
	}
	session := map[string]interface{}{
		"org_id":    *orgId,
		"user_id":   1,
		"user_name": "Seed",
		"role":      string(models.ActorRoleAdmin),
		"party_id":  "",
		"is_admin":  true,
	}
	if err := config.SetRedisObject("QcSession:"+sessionToken, session, 30*24*time.Hour); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register session token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session token: %s\n", sessionToken)
}
