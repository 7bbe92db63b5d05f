package main

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"chat-system/config"
	dbPkg "chat-system/pkg/db"

	_ "github.com/go-sql-driver/mysql"
)

// 子表在前，父表在后
var tables = []string{
	"group_message_read",
	"group_message",
	"direct_message",
	"group_participant",
	"conversation",
	"user",
}

func main() {
	cfg := config.LoadConfig()
	if cfg.Database.Driver != "" && cfg.Database.Driver != "mysql" {
		log.Fatalf("reset_db only supports mysql, got driver %q", cfg.Database.Driver)
	}

	db, err := sql.Open("mysql", dbPkg.DSN(cfg.Database))
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Database connection test failed: %v", err)
	}

	fmt.Println("Database connected successfully")
	fmt.Printf("Database: %s\n", cfg.Database.Database)

	fmt.Printf("\nWARNING: This operation will CLEAR ALL DATA in tables [%s]!\n", strings.Join(tables, ", "))
	fmt.Print("Type 'YES' to confirm: ")
	var confirm string
	fmt.Scanln(&confirm)
	if confirm != "YES" {
		fmt.Println("Operation cancelled")
		return
	}

	_, _ = db.Exec("SET FOREIGN_KEY_CHECKS=0")
	defer db.Exec("SET FOREIGN_KEY_CHECKS=1")

	for _, table := range tables {
		fmt.Printf("Clearing table %s... ", table)
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM `%s`", table)); err != nil {
			fmt.Printf("Failed: %v\n", err)
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE `%s` AUTO_INCREMENT = 1", table)); err != nil {
			fmt.Printf("Cleared, auto-increment reset failed: %v\n", err)
			continue
		}
		fmt.Println("Success")
	}

	fmt.Println("\nDatabase reset completed!")
	fmt.Println("All table data cleared, table structure preserved")
}
