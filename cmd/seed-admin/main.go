package main

import (
	"context"
	"flag"
	"log"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/models"
)

// seed-admin creates the first admin account on a fresh deployment.
func main() {
	username := flag.String("username", "admin", "admin username")
	name := flag.String("name", "Administrator", "display name")
	password := flag.String("password", "", "initial password (required)")
	flag.Parse()

	if *password == "" {
		log.Fatal("-password is required")
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	user, err := models.CreateUser(context.Background(), &models.NewUser{
		Username: *username,
		Name:     *name,
		Password: *password,
		Role:     models.UserRoleAdmin,
	})
	if err != nil {
		log.Fatalf("cannot create admin: %v", err)
	}
	log.Printf("created admin user %s (id=%d)", user.Username, user.ID)
}
