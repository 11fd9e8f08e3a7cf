package models

import (
	"log"

	"github.com/mmdatafocus/registry_importer/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&PropertyRecord{}, &FileIndexing{}, &CofoRecord{},
		&PropIdMapping{}, &IdCounter{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
