package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/config"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/db"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/repo"
)

func main() {
	identity := flag.String("identity", "", "station identity (random when empty)")
	url := flag.String("url", "", "central system websocket url")
	vendor := flag.String("vendor", "", "charge point vendor")
	model := flag.String("model", "", "charge point model")
	meter := flag.Int64("meter", 0, "initial meter value in Wh")
	power := flag.Int64("power", 0, "charging power in W")
	flag.Parse()

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer d.Close()
	if err := d.EnsureSchema(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to prepare schema")
	}

	r := repo.NewStationsRepo(d.Pool, repo.StationDefaults{
		IdentityName:     cfg.DefaultIdentityName,
		CentralSystemURL: cfg.DefaultCentralSystemURL,
		Vendor:           cfg.DefaultVendor,
		Model:            cfg.DefaultModel,
		ChargingPower:    cfg.DefaultChargingPower,
	})

	if *identity != "" {
		existing, err := r.GetByIdentity(ctx, *identity)
		if err != nil {
			logrus.WithError(err).Fatal("lookup failed")
		}
		if existing != nil {
			fmt.Println("Station already exists:", existing.Identity, "id=", existing.Id)
			return
		}
	}

	st, err := r.Create(ctx, models.Station{
		Identity:             *identity,
		CentralSystemUrl:     *url,
		Vendor:               *vendor,
		Model:                *model,
		MeterValue:           *meter,
		CurrentChargingPower: *power,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to create station")
	}
	fmt.Println("Seeded station:", st.Identity, "id=", st.Id, "url=", st.CentralSystemUrl)
}
