package app

import (
	"fmt"
	"sync"

	"gasless-backend/internal/clients"
	"gasless-backend/internal/db"
	"gasless-backend/internal/handlers"
	"gasless-backend/internal/repository"
	"gasless-backend/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceContainer owns construction order and lifetime of every component.
type ServiceContainer struct {
	DB *gorm.DB

	// Repositories
	DelegationRepo  repository.DelegationRepository
	SponsorshipRepo repository.SponsorshipRepository

	// Clients
	RPCClient       *clients.RPCClient
	BundlerClient   *clients.BundlerClient
	PaymasterClient *clients.PaymasterClient
	NATSClient      *clients.NATSClient

	// Services
	AccountProvider      *services.AccountProvider
	UserOpBuilder        *services.UserOpBuilder
	NonceAllocator       *services.NonceAllocator
	DelegationService    *services.DelegationService
	PaymasterService     *services.PaymasterService
	GaslessService       *services.GaslessService
	WebSocketPushService *services.WebSocketPushService

	authHandler   *handlers.AuthHandler
	walletHandler *handlers.WalletHandler
	adminHandler  *handlers.AdminHandler
	wsHandler     *handlers.WebSocketHandler
}

// Container is the process-wide instance.
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container once.
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		logrus.Info("Initializing service container")

		container := &ServiceContainer{DB: db.DB}

		container.DelegationRepo = repository.NewDelegationRepository(container.DB)
		container.SponsorshipRepo = repository.NewSponsorshipRepository(container.DB)

		container.RPCClient = clients.NewRPCClient()
		container.BundlerClient = clients.NewBundlerClient()
		container.PaymasterClient = clients.NewPaymasterClient()

		natsClient, err := clients.NewNATSClient()
		if err != nil {
			// Event publication is best effort; the wallet keeps working
			// without it.
			logrus.WithError(err).Warn("NATS connection failed, event publication disabled")
		} else {
			container.NATSClient = natsClient
		}

		accounts, err := services.NewAccountProvider()
		if err != nil {
			initErr = fmt.Errorf("account provider: %w", err)
			return
		}
		container.AccountProvider = accounts

		container.UserOpBuilder = services.NewUserOpBuilder(accounts)
		container.NonceAllocator = services.NewNonceAllocator(container.RPCClient)
		container.DelegationService = services.NewDelegationService(container.RPCClient, container.DelegationRepo, accounts)

		paymaster, err := services.NewPaymasterService(container.PaymasterClient, container.SponsorshipRepo)
		if err != nil {
			initErr = fmt.Errorf("paymaster service: %w", err)
			return
		}
		container.PaymasterService = paymaster

		container.WebSocketPushService = services.NewWebSocketPushService()

		container.GaslessService = services.NewGaslessService(
			accounts,
			container.UserOpBuilder,
			container.NonceAllocator,
			container.DelegationService,
			paymaster,
			container.RPCClient,
			container.BundlerClient,
			container.SponsorshipRepo,
			container.NATSClient,
			container.WebSocketPushService,
		)

		container.authHandler = handlers.NewAuthHandler()
		container.walletHandler = handlers.NewWalletHandler(container.GaslessService, paymaster)
		container.adminHandler = handlers.NewAdminHandler(paymaster, container.SponsorshipRepo, container.DelegationRepo)
		container.wsHandler = handlers.NewWebSocketHandler(container.WebSocketPushService)

		Container = container
		logrus.Info("Service container initialized")
	})

	return Container, initErr
}

// AuthHandler returns the admin login handler.
func (c *ServiceContainer) AuthHandler() *handlers.AuthHandler { return c.authHandler }

// WalletHandler returns the wallet API handler.
func (c *ServiceContainer) WalletHandler() *handlers.WalletHandler { return c.walletHandler }

// AdminHandler returns the admin API handler.
func (c *ServiceContainer) AdminHandler() *handlers.AdminHandler { return c.adminHandler }

// WebSocketHandler returns the push upgrade handler.
func (c *ServiceContainer) WebSocketHandler() *handlers.WebSocketHandler { return c.wsHandler }

// Cleanup releases clients and zeroes key material.
func (c *ServiceContainer) Cleanup() {
	logrus.Info("Cleaning up service container")

	if c.NATSClient != nil {
		c.NATSClient.Close()
	}
	if c.BundlerClient != nil {
		c.BundlerClient.Close()
	}
	if c.PaymasterClient != nil {
		c.PaymasterClient.Close()
	}
	if c.RPCClient != nil {
		c.RPCClient.Close()
	}
	if c.AccountProvider != nil {
		c.AccountProvider.Close()
	}

	logrus.Info("Service container cleaned up")
}
