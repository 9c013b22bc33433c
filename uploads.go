package main

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/trading_backend/models"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/gin-gonic/gin"
)

// 20 MB covers the largest historical import workbooks with room to spare
const maxImportSize = 20 << 20

// importHandler accepts a multipart workbook and runs the whole batch.
// A rejected batch still answers 422 with the annotated error file URL.
func importHandler(store utils.FileStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxImportSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file is too large"})
			return
		}
		if !strings.HasSuffix(fileHeader.Filename, ".xlsx") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only .xlsx files are accepted"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := models.ImportWorkbook(c.Request.Context(), fileHeader.Filename, data, store)
		if err != nil {
			body := gin.H{"error": err.Error()}
			if result != nil && result.ErrorFileUrl != "" {
				body["error_file_url"] = result.ErrorFileUrl
			}
			status := http.StatusUnprocessableEntity
			if err == models.ErrorImportInProgress {
				status = http.StatusConflict
			}
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// exportHandler streams a rendered spreadsheet as a download.
func exportHandler(render func(ctx context.Context, id int) ([]byte, string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		data, name, renderErr := render(c.Request.Context(), id)
		if renderErr != nil {
			respondModelError(c, renderErr)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK,
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	}
}

func invoicePdfHandler(renderer *models.DocumentRenderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		data, name, renderErr := renderer.RenderInvoicePDF(c.Request.Context(), id)
		if renderErr != nil {
			respondModelError(c, renderErr)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, "application/pdf", data)
	}
}

// stageInvoicePdfHandler uploads the rendered invoice to blob storage
// and answers with a shareable URL instead of streaming the bytes.
func stageInvoicePdfHandler(renderer *models.DocumentRenderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		url, stageErr := renderer.StageInvoicePDF(c.Request.Context(), id)
		if stageErr != nil {
			respondModelError(c, stageErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}

func emailInvoiceHandler(renderer *models.DocumentRenderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var input struct {
			To []string `json:"to"`
		}
		// body is optional; default recipient is the customer
		_ = c.ShouldBindJSON(&input)
		if err := renderer.EmailInvoice(c.Request.Context(), id, input.To); err != nil {
			respondModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sent": true})
	}
}
