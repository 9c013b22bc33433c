package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"

	"bitbucket.org/mmdatafocus/trading_backend/middlewares"
	"bitbucket.org/mmdatafocus/trading_backend/models"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

func newRouter(renderer *models.DocumentRenderer, store utils.FileStore) *gin.Engine {
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Correlation-Id")
	router.Use(cors.New(corsConfig))
	router.Use(middlewares.CorrelationMiddleware())
	router.Use(middlewares.AuthMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/login", loginHandler)

	admin := middlewares.RequireRole(string(models.UserRoleAdmin))

	api := router.Group("/api")
	{
		api.POST("/users", admin, createHandler(models.CreateUser))

		api.POST("/customers", createHandler(models.CreateCustomer))
		api.GET("/customers", listHandler(models.ListCustomers))
		api.GET("/customers/:id", getHandler(models.GetCustomer))

		api.POST("/suppliers", createHandler(models.CreateSupplier))
		api.GET("/suppliers", listHandler(models.ListSuppliers))
		api.GET("/suppliers/:id", getHandler(models.GetSupplier))

		api.POST("/gst-rates", createHandler(models.CreateGstRate))
		api.GET("/gst-rates", listHandler(models.ListGstRates))

		api.POST("/inquiries", createHandler(models.CreateInquiry))
		api.GET("/inquiries", listHandler(models.ListInquiries))
		api.GET("/inquiries/:id", getHandler(models.GetInquiry))

		api.POST("/sales-orders", createHandler(models.CreateSalesOrder))
		api.GET("/sales-orders/:id", getHandler(models.GetSalesOrder))
		api.GET("/sales-orders", listSalesOrdersHandler)
		api.POST("/sales-orders/:id/approve", actionHandler(models.ApproveSalesOrder))
		api.PUT("/sales-orders/:id/status", admin, updateSalesOrderStatusHandler)
		api.GET("/sales-orders/:id/xlsx", exportHandler(renderer.RenderSalesOrderXLSX))

		api.POST("/purchase-orders", createHandler(models.CreatePurchaseOrder))
		api.GET("/purchase-orders/:id", getHandler(models.GetPurchaseOrder))
		api.GET("/purchase-orders", listPurchaseOrdersHandler)
		api.POST("/purchase-orders/:id/approve", actionHandler(models.ApprovePurchaseOrder))
		api.PUT("/purchase-orders/:id/status", admin, updatePurchaseOrderStatusHandler)
		api.GET("/purchase-orders/:id/xlsx", exportHandler(renderer.RenderPurchaseOrderXLSX))

		api.POST("/fulfilment-logs", createHandler(models.CreateFulfilmentLog))
		api.GET("/fulfilment-logs/:id", getHandler(models.GetFulfilmentLog))
		api.DELETE("/fulfilment-log-details/:id", deleteHandler(models.DeleteFulfilmentLogDetail))

		api.POST("/invoices", createHandler(models.CreateInvoice))
		api.GET("/invoices/:id", getHandler(models.GetInvoice))
		api.GET("/invoices", listInvoicesHandler)
		api.POST("/invoices/:id/finalize", actionHandler(models.FinalizeInvoice))
		api.DELETE("/invoice-details/:id", deleteHandler(models.DeleteInvoiceDetail))
		api.GET("/invoices/:id/pdf", invoicePdfHandler(renderer))
		api.POST("/invoices/:id/stage-pdf", stageInvoicePdfHandler(renderer))
		api.POST("/invoices/:id/email", emailInvoiceHandler(renderer))

		api.POST("/imports", importHandler(store))
	}

	return router
}

func loginHandler(c *gin.Context) {
	var input struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	token, user, err := models.Login(c.Request.Context(), input.Username, input.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// createHandler binds the request body to the model input and runs the
// model constructor. One shape serves every create endpoint.
func createHandler[In any, Out any](create func(ctx context.Context, in *In) (Out, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input In
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		result, err := create(c.Request.Context(), &input)
		if err != nil {
			respondModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func getHandler[Out any](get func(ctx context.Context, id int) (Out, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		result, getErr := get(c.Request.Context(), id)
		if getErr != nil {
			respondModelError(c, getErr)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func listHandler[Out any](list func(ctx context.Context) (Out, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := list(c.Request.Context())
		if err != nil {
			respondModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func actionHandler[Out any](action func(ctx context.Context, id int) (Out, error)) gin.HandlerFunc {
	return getHandler(action)
}

func deleteHandler(del func(ctx context.Context, id int) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		if err := del(c.Request.Context(), id); err != nil {
			respondModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}

func listSalesOrdersHandler(c *gin.Context) {
	var status *models.SalesOrderStatus
	if s := c.Query("status"); s != "" {
		v := models.SalesOrderStatus(s)
		status = &v
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	orders, err := models.ListSalesOrders(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func listPurchaseOrdersHandler(c *gin.Context) {
	var status *models.PurchaseOrderStatus
	if s := c.Query("status"); s != "" {
		v := models.PurchaseOrderStatus(s)
		status = &v
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	orders, err := models.ListPurchaseOrders(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func listInvoicesHandler(c *gin.Context) {
	var customerId *int
	if s := c.Query("customer_id"); s != "" {
		if id, err := strconv.Atoi(s); err == nil {
			customerId = &id
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	invoices, err := models.ListInvoices(c.Request.Context(), customerId, limit, offset)
	if err != nil {
		respondModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoices)
}

func updateSalesOrderStatusHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var input struct {
		Status models.SalesOrderStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	order, err := models.UpdateSalesOrderStatus(c.Request.Context(), id, input.Status)
	if err != nil {
		respondModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func updatePurchaseOrderStatusHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var input struct {
		Status models.PurchaseOrderStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	order, err := models.UpdatePurchaseOrderStatus(c.Request.Context(), id, input.Status)
	if err != nil {
		respondModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func respondBindError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func respondModelError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrorInsufficientInventory):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrorImportInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	}
}

func getPort() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return port
}
